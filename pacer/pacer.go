// Package pacer implements the reconnect/retry backoff used throughout
// the engine, reproducing the Call(func() (bool, error)) contract that
// rclone's backends drive every network operation through
// (f.pacer.Call(...) in backend/ftp/ftp.go).
package pacer

import (
	"context"
	"sync"
	"time"
)

// State is the mutable retry state threaded through a Calculator.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator decides the next sleep time given the current state.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is the exponential-decay calculator rclone uses: a failure
// doubles the sleep time (capped at maxSleep); a success decays it back
// down geometrically.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// Option configures a Pacer or a Default calculator.
type Option func(*options)

type options struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
	retries        int
	maxConnections int
}

// MinSleep sets the minimum sleep time.
func MinSleep(d time.Duration) Option { return func(o *options) { o.minSleep = d } }

// MaxSleep sets the maximum sleep time.
func MaxSleep(d time.Duration) Option { return func(o *options) { o.maxSleep = d } }

// DecayConstant sets how fast the sleep time decays on success; bigger
// is slower.
func DecayConstant(c uint) Option { return func(o *options) { o.decayConstant = c } }

// AttackConstant sets how fast the sleep time grows on failure.
func AttackConstant(c uint) Option { return func(o *options) { o.attackConstant = c } }

// RetriesOption sets the number of retries Pacer.Call attempts.
func RetriesOption(n int) Option { return func(o *options) { o.retries = n } }

// MaxConnectionsOption bounds the number of concurrent in-flight calls;
// 0 means unlimited.
func MaxConnectionsOption(n int) Option { return func(o *options) { o.maxConnections = n } }

func defaultOptions() options {
	return options{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
		retries:        3,
	}
}

// NewDefault builds a Default calculator.
func NewDefault(opts ...Option) *Default {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Default{
		minSleep:       o.minSleep,
		maxSleep:       o.maxSleep,
		decayConstant:  o.decayConstant,
		attackConstant: o.attackConstant,
	}
}

// Calculate implements Calculator.
func (d *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		// Decay towards minSleep.
		sleep := state.SleepTime
		sleep = sleep - sleep/time.Duration(1<<d.decayConstant)
		if sleep < d.minSleep {
			sleep = d.minSleep
		}
		return sleep
	}
	sleep := state.SleepTime << d.attackConstant
	if sleep > d.maxSleep || sleep <= 0 {
		sleep = d.maxSleep
	}
	return sleep
}

// TokenDispenser bounds concurrency with a buffered channel of tokens.
type TokenDispenser struct {
	tokens chan struct{}
}

// NewTokenDispenser creates a dispenser with n tokens; n<=0 means
// unlimited (Get/Put become no-ops).
func NewTokenDispenser(n int) *TokenDispenser {
	if n <= 0 {
		return &TokenDispenser{}
	}
	td := &TokenDispenser{tokens: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		td.tokens <- struct{}{}
	}
	return td
}

// Get blocks until a token is available.
func (td *TokenDispenser) Get() {
	if td.tokens == nil {
		return
	}
	<-td.tokens
}

// Put returns a token.
func (td *TokenDispenser) Put() {
	if td.tokens == nil {
		return
	}
	td.tokens <- struct{}{}
}

// Pacer paces retries of a fallible operation.
type Pacer struct {
	mu             sync.Mutex
	calculator     Calculator
	state          State
	retries        int
	maxConnections int
	connTokens     chan struct{}
	pacer          chan struct{} // single-slot token filled at construction; Call and sleep do not read it
	ctx            context.Context
}

// New constructs a Pacer with the given options, defaulting to a
// Default calculator.
func New(opts ...Option) *Pacer {
	return NewWithContext(context.Background(), opts...)
}

// NewWithContext is like New but binds a context whose cancellation
// aborts any pending sleep.
func NewWithContext(ctx context.Context, opts ...Option) *Pacer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Default{minSleep: o.minSleep, maxSleep: o.maxSleep, decayConstant: o.decayConstant, attackConstant: o.attackConstant}
	p := &Pacer{
		calculator:     d,
		state:          State{SleepTime: o.minSleep},
		retries:        o.retries,
		maxConnections: o.maxConnections,
		pacer:          make(chan struct{}, 1),
		ctx:            ctx,
	}
	p.pacer <- struct{}{}
	if o.maxConnections > 0 {
		p.connTokens = make(chan struct{}, o.maxConnections)
		for i := 0; i < o.maxConnections; i++ {
			p.connTokens <- struct{}{}
		}
	}
	return p
}

// SetMaxConnections changes the concurrency bound; 0 disables it.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// beginCall waits for a concurrency token, if bounded.
func (p *Pacer) beginCall() {
	p.mu.Lock()
	tokens := p.connTokens
	p.mu.Unlock()
	if tokens != nil {
		<-tokens
	}
}

func (p *Pacer) endCall() {
	p.mu.Lock()
	tokens := p.connTokens
	p.mu.Unlock()
	if tokens != nil {
		tokens <- struct{}{}
	}
}

// Call invokes fn, retrying while fn reports retry=true, sleeping
// between attempts per the Calculator, up to p.retries additional
// attempts. It mirrors rclone's f.pacer.Call(func() (bool, error))
// convention used throughout backend/ftp/ftp.go.
func (p *Pacer) Call(fn func() (retry bool, err error)) error {
	p.beginCall()
	defer p.endCall()

	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		var retry bool
		retry, err = fn()
		if !retry {
			p.recordSuccess()
			return err
		}
		p.recordFailure()
		if attempt == p.retries {
			break
		}
		if !p.sleep() {
			return err
		}
	}
	return err
}

// CallNoRetry invokes fn exactly once, bypassing the retry loop but
// still honouring the concurrency bound — used for the immediate,
// zero-wait reconnect spec.md §4.4/§8 mandates on TLS-fatal errors.
func (p *Pacer) CallNoRetry(fn func() error) error {
	p.beginCall()
	defer p.endCall()
	return fn()
}

func (p *Pacer) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveRetries = 0
	p.state.SleepTime = p.calculator.Calculate(p.state)
}

func (p *Pacer) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveRetries++
	p.state.SleepTime = p.calculator.Calculate(p.state)
}

func (p *Pacer) sleep() bool {
	p.mu.Lock()
	d := p.state.SleepTime
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		time.Sleep(d)
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
