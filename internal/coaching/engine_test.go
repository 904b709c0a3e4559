package coaching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/call-broker/internal/model"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   []Context
	reply   func(c Context) (string, error)
	release chan struct{}
}

func (g *fakeGenerator) Suggest(ctx context.Context, c Context) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	reply := g.reply
	release := g.release
	g.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if reply == nil {
		return "Ask about their current budget cycle.", nil
	}
	return reply(c)
}

func (g *fakeGenerator) invocations() []Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Context(nil), g.calls...)
}

type recordingPublisher struct {
	mu          sync.Mutex
	suggestions []model.CoachingSuggestion
}

func (p *recordingPublisher) PublishCoaching(s model.CoachingSuggestion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suggestions = append(p.suggestions, s)
}

func (p *recordingPublisher) published() []model.CoachingSuggestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.CoachingSuggestion(nil), p.suggestions...)
}

type denyAll struct {
	mu   sync.Mutex
	keys []string
}

func (d *denyAll) Allow(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return false
}

func (d *denyAll) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

func entries(n int) []model.TranscriptEntry {
	out := make([]model.TranscriptEntry, n)
	for i := range out {
		out[i] = model.TranscriptEntry{Text: fmt.Sprintf("line %d", i+1), IsFinal: true}
	}
	return out
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = time.Second
	return opts
}

func TestEngine_ShouldInvoke(t *testing.T) {
	e := NewEngine(&fakeGenerator{}, &recordingPublisher{}, testOptions())
	defer e.Close()

	var fired []int
	for n := 1; n <= 10; n++ {
		if e.ShouldInvoke(n) {
			fired = append(fired, n)
		}
	}
	assert.Equal(t, []int{4, 6, 8, 10}, fired)
}

func TestEngine_OnFinal(t *testing.T) {
	t.Run("invokes at 4, 6 and 8 in order", func(t *testing.T) {
		gen := &fakeGenerator{}
		pub := &recordingPublisher{}
		e := NewEngine(gen, pub, testOptions())
		defer e.Close()

		history := entries(8)
		for n := 1; n <= 8; n++ {
			e.OnFinal("CA1", "co-1", history[:n])
		}

		require.Eventually(t, func() bool { return len(pub.published()) == 3 }, 2*time.Second, time.Millisecond)

		calls := gen.invocations()
		require.Len(t, calls, 3)
		assert.Equal(t, "line 4", calls[0].Latest.Text)
		assert.Equal(t, "line 6", calls[1].Latest.Text)
		assert.Equal(t, "line 8", calls[2].Latest.Text)
		assert.Len(t, calls[0].Recent, 3)
		assert.Equal(t, "co-1", calls[0].CompanyID)

		for _, s := range pub.published() {
			assert.Equal(t, "CA1", s.CallID)
			assert.Equal(t, "Ask about their current budget cycle.", s.Text)
			assert.False(t, s.Timestamp.IsZero())
		}
	})

	t.Run("window keeps the last ten plus the newest", func(t *testing.T) {
		gen := &fakeGenerator{}
		e := NewEngine(gen, &recordingPublisher{}, testOptions())
		defer e.Close()

		require.True(t, e.OnFinal("CA2", "", entries(20)))
		require.Eventually(t, func() bool { return len(gen.invocations()) == 1 }, 2*time.Second, time.Millisecond)

		c := gen.invocations()[0]
		require.Len(t, c.Recent, 10)
		assert.Equal(t, "line 10", c.Recent[0].Text)
		assert.Equal(t, "line 19", c.Recent[9].Text)
		assert.Equal(t, "line 20", c.Latest.Text)
	})

	t.Run("non-trigger counts do not queue", func(t *testing.T) {
		gen := &fakeGenerator{}
		e := NewEngine(gen, &recordingPublisher{}, testOptions())
		defer e.Close()

		assert.False(t, e.OnFinal("CA3", "", entries(2)))
		assert.False(t, e.OnFinal("CA3", "", entries(3)))
		assert.False(t, e.OnFinal("CA3", "", entries(5)))
		assert.Equal(t, 0, e.Active())
	})

	t.Run("nil generator disables coaching", func(t *testing.T) {
		e := NewEngine(nil, &recordingPublisher{}, testOptions())
		defer e.Close()
		assert.False(t, e.OnFinal("CA4", "", entries(4)))
	})
}

func TestEngine_Discards(t *testing.T) {
	tests := []struct {
		name  string
		reply func(Context) (string, error)
	}{
		{"sentinel", func(Context) (string, error) { return NoSuggestion, nil }},
		{"sentinel with whitespace", func(Context) (string, error) { return "  " + NoSuggestion + "\n", nil }},
		{"too short", func(Context) (string, error) { return "Ask more", nil }},
		{"empty", func(Context) (string, error) { return "", nil }},
		{"generator error", func(Context) (string, error) { return "", errors.New("model overloaded") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{reply: tt.reply}
			pub := &recordingPublisher{}
			e := NewEngine(gen, pub, testOptions())

			require.True(t, e.OnFinal("CA5", "", entries(4)))
			require.Eventually(t, func() bool { return len(gen.invocations()) == 1 }, 2*time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			e.Close()

			assert.Empty(t, pub.published())
		})
	}
}

func TestEngine_Timeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	gen := &fakeGenerator{release: make(chan struct{})}
	pub := &recordingPublisher{}
	e := NewEngine(gen, pub, opts)
	defer e.Close()

	require.True(t, e.OnFinal("CA6", "", entries(4)))
	require.Eventually(t, func() bool { return len(gen.invocations()) == 1 }, 2*time.Second, time.Millisecond)

	// The next trigger only runs once the first has timed out.
	require.True(t, e.OnFinal("CA6", "", entries(6)))
	require.Eventually(t, func() bool { return len(gen.invocations()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, pub.published())
}

func TestEngine_EndCallDropsLateResult(t *testing.T) {
	gen := &fakeGenerator{release: make(chan struct{})}
	pub := &recordingPublisher{}
	e := NewEngine(gen, pub, testOptions())
	defer e.Close()

	require.True(t, e.OnFinal("CA7", "", entries(4)))
	require.Eventually(t, func() bool { return len(gen.invocations()) == 1 }, 2*time.Second, time.Millisecond)

	e.EndCall("CA7")
	close(gen.release)
	assert.Equal(t, 0, e.Active())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pub.published())

	e.EndCall("CA7")
}

func TestEngine_TriggerAfterEndCall(t *testing.T) {
	gen := &fakeGenerator{}
	pub := &recordingPublisher{}
	e := NewEngine(gen, pub, testOptions())
	defer e.Close()

	e.EndCall("CA8")
	assert.False(t, e.OnFinal("CA8", "", entries(4)))
	assert.Equal(t, 0, e.Active())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, gen.invocations())
	assert.Empty(t, pub.published())

	require.True(t, e.OnFinal("CA9", "", entries(4)))
	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, 2*time.Second, time.Millisecond)
}

func TestEngine_Limiter(t *testing.T) {
	gen := &fakeGenerator{}
	pub := &recordingPublisher{}
	limiter := &denyAll{}
	e := NewEngine(gen, pub, testOptions())
	e.SetLimiter(limiter)

	require.True(t, e.OnFinal("CA8", "co-9", entries(4)))
	require.True(t, e.OnFinal("CA9", "", entries(4)))
	require.Eventually(t, func() bool { return len(limiter.seen()) == 2 }, 2*time.Second, time.Millisecond)
	e.Close()

	assert.Empty(t, gen.invocations())
	assert.Empty(t, pub.published())
	assert.ElementsMatch(t, []string{"co-9", "CA9"}, limiter.seen())
}

func TestEngine_Close(t *testing.T) {
	gen := &fakeGenerator{release: make(chan struct{})}
	e := NewEngine(gen, &recordingPublisher{}, testOptions())

	require.True(t, e.OnFinal("CA10", "", entries(4)))
	e.Close()

	assert.Equal(t, 0, e.Active())
	assert.False(t, e.OnFinal("CA10", "", entries(6)))
}
