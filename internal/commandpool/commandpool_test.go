package commandpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polunzh/aiva/internal/commandchannel"
)

// fakeChanTransport lets tests build a commandchannel.Channel without a
// real socket. Sends succeed and reads return zeroed bytes; the pool tests
// only acquire and release channels and never run Execute through it.
type fakeChanTransport struct {
	id     int
	closed atomic.Bool
}

func (f *fakeChanTransport) Send(ctx context.Context, b []byte) error   { return nil }
func (f *fakeChanTransport) RecvExact(ctx context.Context, n int) ([]byte, error) {
	return make([]byte, n), nil
}
func (f *fakeChanTransport) Readable() bool { return !f.closed.Load() }
func (f *fakeChanTransport) Close() error   { f.closed.Store(true); return nil }

func TestPoolBoundsConcurrency(t *testing.T) {
	var opened, peak, current atomic.Int32

	dial := func(ctx context.Context) (*commandchannel.Channel, error) {
		opened.Add(1)
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return commandchannel.New(&fakeChanTransport{}), nil
	}

	pool := New(Options{Dial: dial, MaxConns: 2})
	defer pool.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pooled, err := pool.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			time.Sleep(5 * time.Millisecond)
			pooled.Release(true)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrent dials %d exceeds MaxConns", peak.Load())
	}
}

func TestPoolDiscardsUnhealthy(t *testing.T) {
	seen := make(map[*commandchannel.Channel]bool)
	var mu sync.Mutex

	dial := func(ctx context.Context) (*commandchannel.Channel, error) {
		ch := commandchannel.New(&fakeChanTransport{})
		mu.Lock()
		seen[ch] = true
		mu.Unlock()
		return ch, nil
	}

	pool := New(Options{Dial: dial, MaxConns: 1})
	defer pool.Shutdown(context.Background())

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	firstCh := first.Channel()
	first.Release(false) // unhealthy: must not reappear

	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if second.Channel() == firstCh {
		t.Fatal("unhealthy channel was reused from the idle pool")
	}
	second.Release(true)
}

func TestPoolShutdownFailsWaiters(t *testing.T) {
	dial := func(ctx context.Context) (*commandchannel.Channel, error) {
		return commandchannel.New(&fakeChanTransport{}), nil
	}

	pool := New(Options{Dial: dial, MaxConns: 1})

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = first

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		waiterErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-waiterErr:
		if err != ErrPoolClosed {
			t.Fatalf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved after shutdown")
	}
}
