package bridge

import (
	"context"
	"time"
)

// Result is one transcription result from the upstream service.
type Result struct {
	Text      string
	IsFinal   bool
	Speaker   string
	Timestamp time.Time
}

// Stream is one open upstream transcription session. Results is closed when the session
// ends for any reason; Err then reports why (nil on a clean close).
type Stream interface {
	Send(frame []byte) error
	Results() <-chan Result
	Err() error
	Close() error
}

// Dialer opens upstream sessions. Implementations must give up when ctx is done.
type Dialer interface {
	Dial(ctx context.Context, callID string) (Stream, error)
}

// Sink receives everything a bridge produces. Calls for one bridge come from a single
// goroutine, in the order the upstream produced them.
type Sink interface {
	OnTranscript(callID string, r Result)
	OnDisabled(callID string, err error)
}
