package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
	"github.com/leadline/call-broker/internal/protocol"
)

type staticSessions []model.CallSession

func (s staticSessions) Snapshot() []model.CallSession { return s }

type mapHistory map[string][]model.TranscriptEntry

func (m mapHistory) History(callID string) []model.TranscriptEntry { return m[callID] }

func receive(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return protocol.Event{}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events:
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.CallID)
	default:
	}
}

func connect(t *testing.T, h *Hub, role model.ObserverRole, identity string) *Client {
	t.Helper()
	c, err := h.Connect(role, identity, "")
	require.NoError(t, err)
	ev := receive(t, c)
	require.Equal(t, protocol.TypeActiveCalls, ev.Type)
	return c
}

func transcriptEvent(callID, text string) protocol.Event {
	return protocol.Transcript(callID, model.TranscriptEntry{Text: text, IsFinal: true, Timestamp: time.Now()})
}

func TestHub_Connect(t *testing.T) {
	t.Run("first message is the active calls snapshot", func(t *testing.T) {
		sessions := staticSessions{
			{CallID: "CA1", RepIdentity: "rep-1", Status: model.CallStatusInProgress},
			{CallID: "CA2", RepIdentity: "rep-2", Status: model.CallStatusRinging},
		}
		h := New(sessions, nil, 0)
		defer h.Close()

		c, err := h.Connect(model.ObserverRoleRep, "rep-1", "u1")
		require.NoError(t, err)
		assert.NotEmpty(t, c.ID)

		ev := receive(t, c)
		assert.Equal(t, protocol.TypeActiveCalls, ev.Type)

		var msg struct {
			Calls []protocol.CallSummary `json:"calls"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		require.Len(t, msg.Calls, 2)
		assert.Equal(t, "CA1", msg.Calls[0].CallID)
		assert.Equal(t, 1, h.Count())
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		_, err := h.Connect(model.ObserverRole("admin"), "x", "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("capacity", func(t *testing.T) {
		h := New(nil, nil, 2)
		defer h.Close()
		connect(t, h, model.ObserverRoleRep, "a")
		connect(t, h, model.ObserverRoleRep, "b")

		_, err := h.Connect(model.ObserverRoleSupervisor, "c", "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCapacityExceeded))
		assert.Equal(t, 2, h.Count())
	})

	t.Run("disconnect is idempotent and closes done", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		c := connect(t, h, model.ObserverRoleRep, "a")

		h.Disconnect(c.ID)
		h.Disconnect(c.ID)
		h.Disconnect("nobody")

		assert.Equal(t, 0, h.Count())
		select {
		case <-c.Done:
		default:
			t.Fatal("done not closed")
		}
	})
}

func TestHub_Routing(t *testing.T) {
	h := New(nil, mapHistory{}, 0)
	defer h.Close()

	rep := connect(t, h, model.ObserverRoleRep, "rep-1")
	supA := connect(t, h, model.ObserverRoleSupervisor, "sup-a")
	supB := connect(t, h, model.ObserverRoleSupervisor, "sup-b")

	require.NoError(t, h.SetListening(supA.ID, "CA1"))
	receive(t, supA) // catch-up

	t.Run("transcript reaches reps and listening supervisors only", func(t *testing.T) {
		n := h.Broadcast(transcriptEvent("CA1", "hello"), Or(AllReps(), SupervisorsListeningTo("CA1")))
		assert.Equal(t, 2, n)

		assert.Equal(t, protocol.TypeTranscript, receive(t, rep).Type)
		assert.Equal(t, protocol.TypeTranscript, receive(t, supA).Type)
		assertNoEvent(t, supB)
	})

	t.Run("supervisor listening elsewhere is skipped", func(t *testing.T) {
		h.Broadcast(transcriptEvent("CA2", "other"), Or(AllReps(), SupervisorsListeningTo("CA2")))
		receive(t, rep)
		assertNoEvent(t, supA)
		assertNoEvent(t, supB)
	})

	t.Run("everyone", func(t *testing.T) {
		ended := protocol.CallEnded(model.CallSession{CallID: "CA1", Status: model.CallStatusCompleted})
		assert.Equal(t, 3, h.Broadcast(ended, Everyone()))
		receive(t, rep)
		receive(t, supA)
		receive(t, supB)
	})

	t.Run("stop listening", func(t *testing.T) {
		require.NoError(t, h.SetListening(supA.ID, ""))
		assert.Empty(t, supA.ListeningTo())
		assertNoEvent(t, supA)

		h.Broadcast(transcriptEvent("CA1", "again"), Or(AllReps(), SupervisorsListeningTo("CA1")))
		receive(t, rep)
		assertNoEvent(t, supA)
	})

	t.Run("custom predicate", func(t *testing.T) {
		n := h.BroadcastWhere(transcriptEvent("CA9", "x"), func(c *Client) bool { return c.Identity == "sup-b" })
		assert.Equal(t, 1, n)
		receive(t, supB)
	})
}

func TestHub_SetListening(t *testing.T) {
	history := mapHistory{
		"CA42": {
			{Text: "one", IsFinal: true},
			{Text: "two", IsFinal: true},
		},
	}
	h := New(nil, history, 0)
	defer h.Close()

	t.Run("sends catch-up of current history", func(t *testing.T) {
		sup := connect(t, h, model.ObserverRoleSupervisor, "sup")
		require.NoError(t, h.SetListening(sup.ID, "CA42"))

		ev := receive(t, sup)
		assert.Equal(t, protocol.TypeFullTranscript, ev.Type)
		assert.Equal(t, "CA42", ev.CallID)

		var msg struct {
			Transcript []model.TranscriptEntry `json:"transcript"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		require.Len(t, msg.Transcript, 2)
		assert.Equal(t, "one", msg.Transcript[0].Text)
		assert.Equal(t, "CA42", sup.ListeningTo())
	})

	t.Run("unknown call gets empty catch-up", func(t *testing.T) {
		sup := connect(t, h, model.ObserverRoleSupervisor, "sup2")
		require.NoError(t, h.SetListening(sup.ID, "gone"))
		ev := receive(t, sup)
		assert.Equal(t, protocol.TypeFullTranscript, ev.Type)
		assert.Equal(t, "gone", sup.Info().ListeningTo)
	})

	t.Run("unknown client", func(t *testing.T) {
		err := h.SetListening("nope", "CA42")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h := New(nil, nil, 0)
	defer h.Close()

	slow := connect(t, h, model.ObserverRoleRep, "slow")
	fast := connect(t, h, model.ObserverRoleRep, "fast")

	for i := 0; i < ClientBufferSize+10; i++ {
		h.Broadcast(transcriptEvent("CA1", "x"), AllReps())
		receive(t, fast)
	}

	assert.Len(t, slow.Events, ClientBufferSize)
	assert.Equal(t, int64(10), h.Dropped())
}

func TestHub_DisconnectedClientIsSkipped(t *testing.T) {
	h := New(nil, nil, 0)
	defer h.Close()

	a := connect(t, h, model.ObserverRoleRep, "a")
	b := connect(t, h, model.ObserverRoleRep, "b")
	h.Disconnect(a.ID)

	assert.Equal(t, 1, h.Broadcast(transcriptEvent("CA1", "x"), AllReps()))
	receive(t, b)
}

func TestHub_PerCallOrdering(t *testing.T) {
	h := New(nil, nil, 0)
	defer h.Close()

	rep := connect(t, h, model.ObserverRoleRep, "rep")

	var wg sync.WaitGroup
	for _, callID := range []string{"CA1", "CA2"} {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Broadcast(protocol.Transcript(callID, model.TranscriptEntry{Text: string(rune('a' + i%26)), Timestamp: time.Unix(int64(i), 0)}), AllReps())
			}
		}(callID)
	}
	wg.Wait()

	last := map[string]int64{"CA1": -1, "CA2": -1}
	for i := 0; i < 100; i++ {
		ev := receive(t, rep)
		var msg struct {
			Timestamp time.Time `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		assert.Greater(t, msg.Timestamp.Unix(), last[ev.CallID])
		last[ev.CallID] = msg.Timestamp.Unix()
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	published []Envelope
	fail      bool
	runErr    error
	deliver   func(Envelope)
	ready     chan struct{}
}

func (r *fakeRelay) Publish(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("relay down")
	}
	r.published = append(r.published, env)
	if r.deliver != nil {
		r.deliver(env)
	}
	return nil
}

func (r *fakeRelay) Run(ctx context.Context, deliver func(Envelope)) error {
	if r.runErr != nil {
		close(r.ready)
		return r.runErr
	}
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
	close(r.ready)
	<-ctx.Done()
	return nil
}

func (r *fakeRelay) Close() error { return nil }

func TestHub_Publish(t *testing.T) {
	t.Run("local delivery without relay", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		rep := connect(t, h, model.ObserverRoleRep, "rep")

		h.Publish(context.Background(), transcriptEvent("CA1", "x"), AllReps())
		receive(t, rep)
	})

	t.Run("through relay", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		relay := &fakeRelay{ready: make(chan struct{})}
		h.UseRelay(relay)
		<-relay.ready
		rep := connect(t, h, model.ObserverRoleRep, "rep")

		h.Publish(context.Background(), transcriptEvent("CA1", "x"), AllReps())
		ev := receive(t, rep)
		assert.Equal(t, "CA1", ev.CallID)
		assertNoEvent(t, rep)

		relay.mu.Lock()
		defer relay.mu.Unlock()
		require.Len(t, relay.published, 1)
		assert.True(t, relay.published[0].Audience.Reps)
	})

	t.Run("relay failure falls back to local", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		relay := &fakeRelay{ready: make(chan struct{}), fail: true}
		h.UseRelay(relay)
		<-relay.ready
		rep := connect(t, h, model.ObserverRoleRep, "rep")

		h.Publish(context.Background(), transcriptEvent("CA1", "x"), AllReps())
		receive(t, rep)
	})

	t.Run("relay that stops receiving falls back to local", func(t *testing.T) {
		h := New(nil, nil, 0)
		defer h.Close()
		relay := &fakeRelay{ready: make(chan struct{}), runErr: errors.New("subscribe: connection reset")}
		h.UseRelay(relay)
		<-relay.ready
		rep := connect(t, h, model.ObserverRoleRep, "rep")

		require.Eventually(t, func() bool {
			h.Publish(context.Background(), transcriptEvent("CA1", "x"), AllReps())
			select {
			case ev := <-rep.Events:
				return ev.CallID == "CA1"
			case <-time.After(5 * time.Millisecond):
				return false
			}
		}, 2*time.Second, time.Millisecond)
	})
}

func TestHub_Close(t *testing.T) {
	h := New(nil, nil, 0)
	c := connect(t, h, model.ObserverRoleSupervisor, "sup")
	h.Close()

	<-c.Done
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 0, h.Broadcast(transcriptEvent("CA1", "x"), Everyone()))
}
