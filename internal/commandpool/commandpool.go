// Package commandpool multiplexes a bounded set of commandchannel.Channel
// connections to a single running microVM, so concurrent callers of
// Engine.Run don't each pay a fresh dial-and-handshake cost. Grounded on
// the connection-lifecycle shape of the upstream vsock/http client, adapted
// from a stateless per-call dial into a pool with idle reuse per the
// command-pool design notes: an idle LIFO stack for hot-connection reuse,
// a FIFO waiter queue so callers are served in arrival order once a
// connection frees up, and a background sweep that closes connections that
// have sat idle too long.
package commandpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polunzh/aiva/internal/commandchannel"
)

var (
	// ErrPoolClosed is returned by Acquire/Execute once Shutdown has run.
	ErrPoolClosed = errors.New("commandpool: pool closed")
	// ErrAcquireTimeout is returned when ctx expires while queued as a waiter.
	ErrAcquireTimeout = errors.New("commandpool: acquire timed out")
)

// Options configures a Pool.
type Options struct {
	// Dial opens a fresh commandchannel.Channel to the target VM.
	Dial func(ctx context.Context) (*commandchannel.Channel, error)
	// MaxConns bounds concurrently outstanding channels (idle + in-use).
	MaxConns int
	// IdleTimeout is how long an idle channel may sit in the stack before
	// the sweep closes it. Zero disables the sweep.
	IdleTimeout time.Duration
	// StrictLiveness upgrades the cheap non-blocking read peek performed on
	// Acquire to a full Ping round-trip.
	StrictLiveness bool
}

type idleEntry struct {
	ch       *commandchannel.Channel
	returned time.Time
}

// Pool is a bounded multiplexer over commandchannel.Channel connections to
// one VM's command endpoint.
type Pool struct {
	opts Options

	mu      sync.Mutex
	idle    []idleEntry // LIFO: last element is most-recently-returned
	waiters []chan acquireResult
	outCnt  int
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type acquireResult struct {
	ch  *commandchannel.Channel
	err error
}

// New constructs a Pool and starts its idle-sweep goroutine.
func New(opts Options) *Pool {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	p := &Pool{opts: opts}
	if opts.IdleTimeout > 0 {
		p.sweepStop = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.sweepLoop()
	}
	return p
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	interval := p.opts.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	cutoff := time.Now().Add(-p.opts.IdleTimeout)
	kept := p.idle[:0]
	var expired []idleEntry
	for _, e := range p.idle {
		if e.returned.Before(cutoff) {
			expired = append(expired, e)
			p.outCnt--
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, e := range expired {
		_ = e.ch.Close()
	}
}

// Pooled is a checked-out channel; the caller must call Release exactly once.
type Pooled struct {
	pool *Pool
	ch   *commandchannel.Channel
}

// Channel returns the underlying commandchannel.Channel.
func (p *Pooled) Channel() *commandchannel.Channel { return p.ch }

// Release returns the channel to the pool. healthy=false discards it
// instead of returning it to the idle stack — used when the caller
// observed protocol-level corruption (ErrDecode) on this channel.
func (p *Pooled) Release(healthy bool) {
	p.pool.release(p.ch, healthy)
}

// Acquire checks out a channel, blocking until one is available, ctx is
// canceled, or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Pooled, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			entry := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.isLive(ctx, entry.ch) {
				return &Pooled{pool: p, ch: entry.ch}, nil
			}
			_ = entry.ch.Close()
			p.mu.Lock()
			p.outCnt--
			p.mu.Unlock()
			continue
		}

		if p.outCnt < p.opts.MaxConns {
			p.outCnt++
			p.mu.Unlock()

			ch, err := p.opts.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.outCnt--
				p.mu.Unlock()
				return nil, err
			}
			return &Pooled{pool: p, ch: ch}, nil
		}

		result := make(chan acquireResult, 1)
		p.waiters = append(p.waiters, result)
		p.mu.Unlock()

		select {
		case r := <-result:
			if r.err != nil {
				return nil, r.err
			}
			return &Pooled{pool: p, ch: r.ch}, nil
		case <-ctx.Done():
			p.removeWaiter(result)
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
		}
	}
}

func (p *Pool) removeWaiter(target chan acquireResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) isLive(ctx context.Context, ch *commandchannel.Channel) bool {
	if p.opts.StrictLiveness {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return ch.Ping(pingCtx) == nil
	}
	return ch.Readable()
}

func (p *Pool) release(ch *commandchannel.Channel, healthy bool) {
	p.mu.Lock()

	if !healthy || p.closed {
		p.outCnt--
		p.mu.Unlock()
		_ = ch.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- acquireResult{ch: ch}
		return
	}

	p.idle = append(p.idle, idleEntry{ch: ch, returned: time.Now()})
	p.mu.Unlock()
}

// Execute is a convenience wrapper that acquires a channel, runs req, and
// releases the channel — discarding it on any protocol-level error.
func (p *Pool) Execute(ctx context.Context, req commandchannel.Request) (commandchannel.Response, error) {
	pooled, err := p.Acquire(ctx)
	if err != nil {
		return commandchannel.Response{}, err
	}
	resp, err := pooled.Channel().Execute(ctx, req)
	pooled.Release(err == nil)
	return resp, err
}

// Shutdown stops the sweep, closes all idle channels, and fails any queued
// waiters. In-flight checked-out channels are closed as they're released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if p.sweepStop != nil {
		close(p.sweepStop)
		<-p.sweepDone
	}

	for _, w := range waiters {
		w <- acquireResult{err: ErrPoolClosed}
	}
	for _, e := range idle {
		_ = e.ch.Close()
	}
	return nil
}
