//go:build linux

package nestedhelper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
)

// forwardKey identifies one registered host listener.
type forwardKey struct {
	proto string
	port  uint16
}

type relayManager struct {
	log      *slog.Logger
	bindHost string

	mu     sync.Mutex
	active map[forwardKey]*forward
	closed bool
}

// forward is one live TCP listener relaying accepted connections into a
// single (cid, guestPort) vsock destination.
type forward struct {
	key       forwardKey
	cid       uint32
	guestPort uint16
	ln        net.Listener
	stop      context.CancelFunc
	drained   chan struct{}
	log       *slog.Logger
}

func newPlatformManager(opts Options) (Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	host := opts.BindHost
	if host == "" {
		host = "0.0.0.0"
	}
	return &relayManager{
		log:      log.With("component", "nestedhelper.relay"),
		bindHost: host,
		active:   make(map[forwardKey]*forward),
	}, nil
}

func (m *relayManager) Upsert(ctx context.Context, proto string, hostPort uint16, cid uint32, guestPort uint16) error {
	if proto != "tcp" {
		return fmt.Errorf("nestedhelper: relay: protocol %q not supported", proto)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("nestedhelper: relay: manager is closed")
	}

	key := forwardKey{proto: proto, port: hostPort}
	if existing, ok := m.active[key]; ok {
		existing.close()
	}

	addr := fmt.Sprintf("%s:%d", m.bindHost, hostPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nestedhelper: relay: listen %s: %w", addr, err)
	}

	// Detached from ctx deliberately: the forward must outlive the HTTP
	// request that registered it, until an explicit Remove or Close.
	relayCtx, cancel := context.WithCancel(context.Background())
	fwd := &forward{
		key:       key,
		cid:       cid,
		guestPort: guestPort,
		ln:        ln,
		stop:      cancel,
		drained:   make(chan struct{}),
		log:       m.log.With("host_port", hostPort, "cid", cid, "guest_port", guestPort),
	}
	fwd.serve(relayCtx)
	m.active[key] = fwd
	return nil
}

func (m *relayManager) Remove(ctx context.Context, proto string, hostPort uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := forwardKey{proto: proto, port: hostPort}
	fwd, ok := m.active[key]
	if !ok {
		return nil
	}
	fwd.close()
	delete(m.active, key)
	return nil
}

func (m *relayManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for key, fwd := range m.active {
		fwd.close()
		delete(m.active, key)
	}
	return nil
}

// serve accepts connections on ln until ctx is cancelled or the listener is
// closed, handing each one off to its own goroutine.
func (f *forward) serve(ctx context.Context) {
	go func() {
		f.log.Info("relay listening")
		defer close(f.drained)
		for {
			conn, err := f.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
				f.log.Error("accept failed", "error", err)
				return
			}
			go f.relay(ctx, conn)
		}
	}()
}

func (f *forward) relay(ctx context.Context, hostConn net.Conn) {
	defer hostConn.Close()

	guestConn, err := dialVsockContext(ctx, f.cid, uint32(f.guestPort))
	if err != nil {
		f.log.Error("vsock dial failed", "error", err)
		return
	}
	defer guestConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst io.Writer, src io.Reader) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			f.log.Debug("relay stream closed", "error", err)
		}
	}
	go pipe(guestConn, hostConn)
	go pipe(hostConn, guestConn)
	wg.Wait()
}

// dialVsockContext dials a vsock connection, honoring ctx cancellation since
// the underlying vsock.Dial has no context-aware variant.
func dialVsockContext(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func (f *forward) close() {
	f.stop()
	_ = f.ln.Close()
	<-f.drained
	f.log.Info("relay stopped")
}
