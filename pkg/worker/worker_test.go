package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyListener fails the first n accepts with EMFILE, then hands out
// connections pushed on conns.
type flakyListener struct {
	failures  atomic.Int32
	accepts   atomic.Int32
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newFlakyListener(failures int32) *flakyListener {
	l := &flakyListener{conns: make(chan net.Conn), closed: make(chan struct{})}
	l.failures.Store(failures)
	return l
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *flakyListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func newLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func startWorker(t *testing.T, w *Worker) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(ctx) }()
	t.Cleanup(func() {
		cancelFn()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancelFn, errCh
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServe_EchoAndRelease(t *testing.T) {
	ln := newLoopback(t)
	w := New(Config{MaxConnections: 4, SleepTimer: 10 * time.Millisecond}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return err
			}
			_, err = conn.Write([]byte(line))
			return err
		}))
	startWorker(t, w)

	conn := dial(t, ln)
	_, err := conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", reply)

	require.Eventually(t, func() bool { return w.ActiveConnections() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServe_HandlerErrorReleasesCounter(t *testing.T) {
	ln := newLoopback(t)
	var served atomic.Int32
	w := New(Config{MaxConnections: 1, SleepTimer: 10 * time.Millisecond}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			served.Add(1)
			return errors.New("boom")
		}))
	startWorker(t, w)

	for i := 0; i < 5; i++ {
		dial(t, ln)
	}

	require.Eventually(t, func() bool { return served.Load() == 5 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.ActiveConnections() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServe_HandlerPanicReleasesCounter(t *testing.T) {
	ln := newLoopback(t)
	var served atomic.Int32
	w := New(Config{MaxConnections: 2, SleepTimer: 10 * time.Millisecond}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			served.Add(1)
			panic("handler exploded")
		}))
	startWorker(t, w)

	conn := dial(t, ln)

	// The worker closes the connection after the panic.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	dial(t, ln)
	require.Eventually(t, func() bool { return served.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.ActiveConnections() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServe_BackpressureWhenSaturated(t *testing.T) {
	ln := newLoopback(t)
	gate := make(chan struct{})
	var started atomic.Int32

	w := New(Config{MaxConnections: 1, SleepTimer: 20 * time.Millisecond}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			started.Add(1)
			<-gate
			return nil
		}))
	startWorker(t, w)

	for i := 0; i < 4; i++ {
		dial(t, ln)
	}

	// Accepts stop once count > MaxConnections: 1 and then 2 in flight.
	require.Eventually(t, func() bool { return started.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return started.Load() > 2 },
		150*time.Millisecond, 10*time.Millisecond)
	assert.Greater(t, w.Throttled(), int64(0))

	close(gate)

	require.Eventually(t, func() bool { return started.Load() == 4 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.ActiveConnections() == 0 },
		time.Second, 5*time.Millisecond)
}

// Two workers share one socket, as two processes would, with a threshold of
// five each. Twelve clients arrive at once.
func TestServe_TwoWorkersTwelveArrivals(t *testing.T) {
	const threshold = 5
	const arrivals = 12
	ln := newLoopback(t)

	var total atomic.Int32
	var peaks [2]atomic.Int64
	workers := make([]*Worker, 2)

	for i := range workers {
		i := i
		workers[i] = New(Config{ID: i + 1, MaxConnections: threshold, SleepTimer: 20 * time.Millisecond}, ln,
			HandlerFunc(func(ctx context.Context, conn net.Conn) error {
				total.Add(1)
				active := workers[i].ActiveConnections()
				for {
					peak := peaks[i].Load()
					if active <= peak || peaks[i].CompareAndSwap(peak, active) {
						break
					}
				}
				time.Sleep(100 * time.Millisecond)
				return nil
			}))
	}
	for _, w := range workers {
		startWorker(t, w)
	}

	var wg sync.WaitGroup
	for i := 0; i < arrivals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			_, _ = conn.Read(make([]byte, 1))
			_ = conn.Close()
		}()
	}

	require.Eventually(t, func() bool { return total.Load() == arrivals },
		5*time.Second, 10*time.Millisecond)
	wg.Wait()

	for i := range peaks {
		// One accept may race past the check, so the ceiling is threshold+1.
		assert.LessOrEqual(t, peaks[i].Load(), int64(threshold+1), "worker %d peak", i+1)
	}
}

func TestServe_AcceptErrorsDoNotStopLoop(t *testing.T) {
	ln := newFlakyListener(3)
	served := make(chan struct{}, 1)

	w := New(Config{MaxConnections: 1, SleepTimer: 10 * time.Millisecond}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			served <- struct{}{}
			return nil
		}))
	startWorker(t, w)

	server, client := net.Pipe()
	defer client.Close()

	select {
	case ln.conns <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never got past the failing accepts")
	}

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked after accept errors")
	}
	assert.GreaterOrEqual(t, ln.accepts.Load(), int32(4))
}

func TestServe_ContextCancelReturnsNil(t *testing.T) {
	ln := newLoopback(t)
	w := New(Config{MaxConnections: 1, SleepTimer: time.Second}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error { return nil }))

	cancel, done := startWorker(t, w)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenerClosedReturnsError(t *testing.T) {
	ln := newFlakyListener(0)
	w := New(Config{MaxConnections: 1, SleepTimer: time.Second}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error { return nil }))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(context.Background()) }()

	_ = ln.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after listener close")
	}
}

func TestServe_AcceptRateLimit(t *testing.T) {
	ln := newLoopback(t)
	var served atomic.Int32

	w := New(Config{MaxConnections: 10, SleepTimer: 10 * time.Millisecond, AcceptRate: 10, AcceptBurst: 1}, ln,
		HandlerFunc(func(ctx context.Context, conn net.Conn) error {
			served.Add(1)
			return nil
		}))

	start := time.Now()
	startWorker(t, w)
	for i := 0; i < 3; i++ {
		dial(t, ln)
	}

	require.Eventually(t, func() bool { return served.Load() == 3 },
		2*time.Second, 5*time.Millisecond)
	// 1 token up front, then one every 100ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	ln := newFlakyListener(0)
	h := HandlerFunc(func(ctx context.Context, conn net.Conn) error { return nil })

	tests := []struct {
		name   string
		config Config
		ln     net.Listener
		h      Handler
	}{
		{name: "zero max connections", config: Config{SleepTimer: time.Second}, ln: ln, h: h},
		{name: "zero sleep timer", config: Config{MaxConnections: 1}, ln: ln, h: h},
		{name: "negative accept rate", config: Config{MaxConnections: 1, SleepTimer: time.Second, AcceptRate: -1}, ln: ln, h: h},
		{name: "nil listener", config: Config{MaxConnections: 1, SleepTimer: time.Second}, h: h},
		{name: "nil handler", config: Config{MaxConnections: 1, SleepTimer: time.Second}, ln: ln},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { New(tt.config, tt.ln, tt.h) })
		})
	}
}

func TestAcceptErrorCategory(t *testing.T) {
	emfile := &net.OpError{Op: "accept", Err: syscall.EMFILE}
	assert.Equal(t, syscall.EMFILE, acceptErrorCategory(emfile))
	assert.Equal(t, syscall.ECONNABORTED, acceptErrorCategory(fmt.Errorf("wrapped: %w", syscall.ECONNABORTED)))
	assert.Equal(t, "*errors.errorString", acceptErrorCategory(errors.New("opaque")))
}
