package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/leadline/call-broker/internal/util"
)

// Prints the X-Signature header value for a status callback body, for replaying callbacks
// with curl against a broker that has STATUS_CALLBACK_SECRET set.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/sign-callback.go '<raw body>'\n")
		os.Exit(1)
	}

	_ = godotenv.Load()
	secret := os.Getenv("STATUS_CALLBACK_SECRET")
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: STATUS_CALLBACK_SECRET is not set\n")
		os.Exit(1)
	}

	fmt.Println(util.HmacSHA256(secret, os.Args[1]))
}
