// Package coaching decides when to ask the language model for a suggestion during a call and
// delivers the useful ones.
package coaching

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
)

// NoSuggestion is what a generator returns when it has nothing worth saying.
const NoSuggestion = "NO_SUGGESTION"

// Context is what the generator sees for one trigger: the newest final entry and the window
// before it.
type Context struct {
	CallID    string
	CompanyID string
	Recent    []model.TranscriptEntry
	Latest    model.TranscriptEntry
}

type Generator interface {
	Suggest(ctx context.Context, c Context) (string, error)
}

// Limiter is an optional budget on generator calls, keyed by company.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type Publisher interface {
	PublishCoaching(s model.CoachingSuggestion)
}

// Options controls when coaching fires and how long a generator call may take.
type Options struct {
	MinContext int
	Interval   int
	Window     int
	MinLength  int
	Timeout    time.Duration
	QueueSize  int
}

func DefaultOptions() Options {
	return Options{
		MinContext: 3,
		Interval:   2,
		Window:     10,
		MinLength:  10,
		Timeout:    8 * time.Second,
		QueueSize:  4,
	}
}

type worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Context
}

// Engine runs at most one generator call at a time per call, in trigger order. Each call gets
// its own worker so a slow model on one call never delays another.
type Engine struct {
	gen     Generator
	pub     Publisher
	limiter Limiter
	opts    Options

	mu      sync.Mutex
	workers map[string]*worker
	ended   map[string]time.Time
	closed  bool
	wg      sync.WaitGroup
}

// endedTTL bounds how long EndCall remembers a call id.
const endedTTL = 10 * time.Minute

func NewEngine(gen Generator, pub Publisher, opts Options) *Engine {
	def := DefaultOptions()
	if opts.MinContext < 1 {
		opts.MinContext = def.MinContext
	}
	if opts.Interval < 1 {
		opts.Interval = def.Interval
	}
	if opts.Window < 1 {
		opts.Window = def.Window
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = def.QueueSize
	}
	return &Engine{
		gen:     gen,
		pub:     pub,
		opts:    opts,
		workers: make(map[string]*worker),
		ended:   make(map[string]time.Time),
	}
}

func (e *Engine) SetLimiter(l Limiter) {
	e.limiter = l
}

// ShouldInvoke reports whether the count-th final entry of a call triggers the generator.
func (e *Engine) ShouldInvoke(count int) bool {
	return count >= e.opts.MinContext && count%e.opts.Interval == 0
}

// OnFinal is called with a call's full final history after each append. It returns true when
// a generator call was queued.
func (e *Engine) OnFinal(callID, companyID string, history []model.TranscriptEntry) bool {
	if e.gen == nil || !e.ShouldInvoke(len(history)) {
		return false
	}

	latest := history[len(history)-1]
	prior := history[:len(history)-1]
	if len(prior) > e.opts.Window {
		prior = prior[len(prior)-e.opts.Window:]
	}
	req := Context{
		CallID:    callID,
		CompanyID: companyID,
		Recent:    append([]model.TranscriptEntry(nil), prior...),
		Latest:    latest,
	}

	w := e.worker(callID)
	if w == nil {
		return false
	}

	select {
	case w.queue <- req:
		return true
	default:
		log.Warn().Str("callId", callID).Int("entries", len(history)).Msg("coaching queue full, skipping trigger")
		return false
	}
}

func (e *Engine) worker(callID string) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if _, ok := e.ended[callID]; ok {
		log.Debug().Str("callId", callID).Msg("coaching trigger for ended call ignored")
		return nil
	}
	if w, ok := e.workers[callID]; ok {
		return w
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{ctx: ctx, cancel: cancel, queue: make(chan Context, e.opts.QueueSize)}
	e.workers[callID] = w

	e.wg.Add(1)
	go e.run(w)
	return w
}

func (e *Engine) run(w *worker) {
	defer e.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.queue:
			e.invoke(w.ctx, req)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, req Context) {
	if e.limiter != nil {
		key := req.CompanyID
		if key == "" {
			key = req.CallID
		}
		if !e.limiter.Allow(ctx, key) {
			log.Debug().Str("callId", req.CallID).Str("key", key).Msg("coaching budget exhausted")
			return
		}
	}

	start := time.Now()
	text, err := e.suggest(ctx, req)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		log.Debug().Str("callId", req.CallID).Msg("call ended, dropping coaching result")
		return
	}
	if err != nil {
		log.Warn().
			Err(apperrors.GeneratorFailure(err)).
			Str("callId", req.CallID).
			Dur("elapsed", elapsed).
			Msg("coaching generator failed")
		return
	}

	text = strings.TrimSpace(text)
	if text == NoSuggestion || len(text) < e.opts.MinLength {
		log.Debug().Str("callId", req.CallID).Dur("elapsed", elapsed).Msg("no coaching suggestion")
		return
	}

	e.pub.PublishCoaching(model.CoachingSuggestion{
		CallID:    req.CallID,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// suggest enforces the timeout even against a generator that ignores its context.
func (e *Engine) suggest(ctx context.Context, req Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.gen.Suggest(ctx, req)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EndCall cancels any in-flight generator call for callID. Results arriving afterwards are
// dropped, and later triggers for the call are refused.
func (e *Engine) EndCall(callID string) {
	now := time.Now()

	e.mu.Lock()
	w, ok := e.workers[callID]
	delete(e.workers, callID)
	for id, at := range e.ended {
		if now.Sub(at) > endedTTL {
			delete(e.ended, id)
		}
	}
	e.ended[callID] = now
	e.mu.Unlock()

	if ok {
		w.cancel()
	}
}

func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, w := range e.workers {
		w.cancel()
		delete(e.workers, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
}
