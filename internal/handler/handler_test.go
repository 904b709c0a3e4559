package handler

import (
	"testing"

	"github.com/leadline/call-broker/internal/hub"
	"github.com/leadline/call-broker/internal/registry"
	"github.com/leadline/call-broker/internal/service"
	"github.com/leadline/call-broker/internal/transcript"
)

type testEnv struct {
	registry    *registry.Registry
	transcripts *transcript.Store
	hub         *hub.Hub
	calls       *service.CallService
}

// newTestEnv wires a broker without transcription or persistence.
func newTestEnv(t *testing.T, maxObservers int) *testEnv {
	t.Helper()

	reg := registry.New()
	transcripts := transcript.NewStore()
	h := hub.New(reg, transcripts, maxObservers)
	calls := service.NewCallService(reg, transcripts, h, nil, nil, service.CallOptions{})

	t.Cleanup(func() {
		calls.Shutdown()
		h.Close()
	})

	return &testEnv{registry: reg, transcripts: transcripts, hub: h, calls: calls}
}
