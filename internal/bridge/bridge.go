// Package bridge forwards a call's audio to a streaming transcription service and hands the
// results to a Sink. One Bridge exists per active call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/leadline/call-broker/internal/errors"
)

// State is where a Bridge sits in its connect and retry lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisabled     State = "permanently_disabled"
	StateClosed       State = "closed"
)

// OverflowPolicy decides which frames are lost once the pre-connect buffer is full.
type OverflowPolicy int

const (
	// DropNewest keeps the oldest buffered audio and rejects incoming frames.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest buffered frame to make room for the incoming one.
	DropOldest
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	}
	return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
}

// Options tunes how a Bridge connects, retries and buffers. A stream lost before it delivered
// a result or stayed up for HealthyAfter counts against RetryBudget like a failed dial.
type Options struct {
	ConnectTimeout time.Duration
	RetryBudget    int
	RetryDelay     time.Duration
	HealthyAfter   time.Duration
	BufferSize     int
	Overflow       OverflowPolicy
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		RetryBudget:    3,
		RetryDelay:     time.Second,
		HealthyAfter:   5 * time.Second,
		BufferSize:     500,
		Overflow:       DropNewest,
	}
}

// Stats is a point-in-time snapshot of a Bridge.
type Stats struct {
	State     State
	Buffered  int
	Dropped   int
	Forwarded int
}

type Bridge struct {
	callID string
	dialer Dialer
	sink   Sink
	opts   Options

	mu        sync.Mutex
	state     State
	stream    Stream
	buffer    [][]byte
	dropped   int
	forwarded int
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(callID string, dialer Dialer, sink Sink, opts Options) *Bridge {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.HealthyAfter <= 0 {
		opts.HealthyAfter = DefaultOptions().HealthyAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		callID: callID,
		dialer: dialer,
		sink:   sink,
		opts:   opts,
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins connecting in the background. Frames submitted before the connection is up
// are buffered. Start is a no-op after the first call or after Close.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
}

// Submit forwards one audio frame, or buffers it while the upstream is not connected.
func (b *Bridge) Submit(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateConnected:
		if err := b.stream.Send(frame); err != nil {
			log.Warn().Err(err).Str("callId", b.callID).Msg("transcription send failed, buffering until reconnect")
			b.state = StateDisconnected
			b.enqueueLocked(frame)
			go b.stream.Close()
			return
		}
		b.forwarded++
	case StateConnecting, StateDisconnected:
		b.enqueueLocked(frame)
	default:
		// Disabled or closed: the call goes on without captions.
	}
}

func (b *Bridge) enqueueLocked(frame []byte) {
	if len(b.buffer) < b.opts.BufferSize {
		b.buffer = append(b.buffer, frame)
		return
	}

	if b.dropped == 0 {
		log.Warn().
			Err(apperrors.BufferOverflow(b.opts.BufferSize)).
			Str("callId", b.callID).
			Msg("audio buffer full, dropping frames")
	}
	b.dropped++

	if b.opts.Overflow == DropOldest {
		copy(b.buffer, b.buffer[1:])
		b.buffer[len(b.buffer)-1] = frame
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:     b.state,
		Buffered:  len(b.buffer),
		Dropped:   b.dropped,
		Forwarded: b.forwarded,
	}
}

// Close tears the bridge down whatever its state. Buffered audio is discarded and any
// reconnect in progress is abandoned. Close does not wait; use Wait for that.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	prev := b.state
	b.state = StateClosed
	b.buffer = nil
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Str("callId", b.callID).Msg("transcription stream close")
		}
	}
	if prev != StateClosed {
		log.Info().Str("callId", b.callID).Str("from", string(prev)).Msg("transcription bridge closed")
	}
}

// Wait blocks until the background goroutine has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) run() {
	defer b.wg.Done()

	attempts := 0
	first := true
	var lastErr error

	for {
		if !first {
			if attempts >= b.opts.RetryBudget {
				b.disable(lastErr)
				return
			}
			attempts++
			if !b.sleep(b.opts.RetryDelay) {
				return
			}
		}
		first = false

		stream, err := b.connect()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			lastErr = err
			log.Warn().
				Err(err).
				Str("callId", b.callID).
				Int("attempt", attempts).
				Int("budget", b.opts.RetryBudget).
				Msg("transcription connect failed")
			b.setState(StateDisconnected)
			continue
		}

		if !b.attach(stream) {
			stream.Close()
			return
		}

		// A stream that dies before doing any work is as good as a failed dial.
		connectedAt := time.Now()
		delivered := b.consume(stream)
		if b.ctx.Err() != nil {
			return
		}
		if delivered > 0 || time.Since(connectedAt) >= b.opts.HealthyAfter {
			attempts = 0
		}

		lastErr = stream.Err()
		if lastErr == nil {
			lastErr = errors.New("upstream closed")
		}
		b.detach(stream)
		log.Warn().Err(lastErr).Str("callId", b.callID).Msg("transcription stream lost, reconnecting")
	}
}

func (b *Bridge) connect() (Stream, error) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	b.state = StateConnecting
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		stream Stream
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		s, err := b.dialer.Dial(ctx, b.callID)
		done <- dialResult{s, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, apperrors.UpstreamUnavailable("transcription", res.err)
		}
		return res.stream, nil
	case <-ctx.Done():
		// A dialer that ignores ctx may still succeed later; close what it returns.
		go func() {
			if res := <-done; res.stream != nil {
				res.stream.Close()
			}
		}()
		if b.ctx.Err() != nil {
			return nil, b.ctx.Err()
		}
		return nil, apperrors.UpstreamUnavailable("transcription", fmt.Errorf("connect timeout after %s", b.opts.ConnectTimeout))
	}
}

// attach flushes the buffer in arrival order and marks the bridge connected. It holds the
// lock throughout so frames submitted meanwhile queue behind the flushed ones.
func (b *Bridge) attach(stream Stream) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return false
	}

	flushed := 0
	for i, frame := range b.buffer {
		if err := stream.Send(frame); err != nil {
			log.Warn().Err(err).Str("callId", b.callID).Int("flushed", flushed).Msg("buffer flush interrupted")
			b.buffer = b.buffer[i:]
			b.forwarded += flushed
			b.stream = stream
			b.state = StateDisconnected
			go stream.Close()
			return true
		}
		flushed++
	}

	if flushed > 0 || b.dropped > 0 {
		log.Info().
			Str("callId", b.callID).
			Int("flushed", flushed).
			Int("dropped", b.dropped).
			Msg("transcription connected, buffer flushed")
	} else {
		log.Info().Str("callId", b.callID).Msg("transcription connected")
	}

	b.forwarded += flushed
	b.buffer = nil
	b.stream = stream
	b.state = StateConnected
	return true
}

func (b *Bridge) detach(stream Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stream == stream {
		b.stream = nil
	}
	if b.state != StateClosed {
		b.state = StateDisconnected
	}
}

// consume hands results to the sink until the stream ends and reports how many it delivered.
func (b *Bridge) consume(stream Stream) int {
	results := stream.Results()
	delivered := 0
	for {
		select {
		case <-b.ctx.Done():
			return delivered
		case r, ok := <-results:
			if !ok {
				return delivered
			}
			if b.ctx.Err() != nil {
				return delivered
			}
			if r.Timestamp.IsZero() {
				r.Timestamp = time.Now()
			}
			b.sink.OnTranscript(b.callID, r)
			delivered++
		}
	}
}

func (b *Bridge) disable(err error) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.state = StateDisabled
	dropped := len(b.buffer)
	b.buffer = nil
	b.mu.Unlock()

	log.Error().
		Err(err).
		Str("callId", b.callID).
		Int("discardedFrames", dropped).
		Msg("transcription retry budget exhausted, live captions disabled for call")
	b.sink.OnDisabled(b.callID, err)
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.state = s
	}
}

func (b *Bridge) sleep(d time.Duration) bool {
	if d <= 0 {
		return b.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
