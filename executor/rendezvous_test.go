package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"ignition/protocol"
)

func dialWithToken(t *testing.T, l *Listener, token string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := protocol.NewCodec(conn).SendData([]byte(token)); err != nil {
		t.Fatal(err)
	}
	return conn
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var buf [1]byte
	_, err := conn.Read(buf[:])
	var netErr net.Error
	if err == nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		t.Errorf("read err = %v, want the connection closed by the listener", err)
	}
}

func TestWaiterReceivesMatchingConnection(t *testing.T) {
	l := testListener(t)
	w := l.Expect("tok-a")

	client := dialWithToken(t, l, "tok-a")
	conn, err := w.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want ping", buf)
	}
	if n := l.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestConnectionMatchesTokenNotArrivalOrder(t *testing.T) {
	l := testListener(t)
	first := l.Expect("first")
	second := l.Expect("second")
	defer first.Cancel()

	dialWithToken(t, l, "second")
	conn, err := second.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if _, err := first.Wait(context.Background(), 100*time.Millisecond); !errors.Is(err, ErrRendezvousTimeout) {
		t.Errorf("first waiter err = %v, want ErrRendezvousTimeout", err)
	}
}

func TestUnmatchedConnectionIsClosed(t *testing.T) {
	l := testListener(t)
	conn := dialWithToken(t, l, "nobody-waits-for-this")
	expectClosed(t, conn)
}

func TestConnectionWithoutHandshakeIsClosed(t *testing.T) {
	l, err := Listen("127.0.0.1:0", 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	go l.Serve()
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	expectClosed(t, conn)
}

func TestOneConnectionSatisfiesOneWaiter(t *testing.T) {
	l := testListener(t)
	w := l.Expect("dup")

	dialWithToken(t, l, "dup")
	conn, err := w.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	late := dialWithToken(t, l, "dup")
	expectClosed(t, late)
}

func TestWaitTimeoutDeregisters(t *testing.T) {
	l := testListener(t)
	w := l.Expect("silent")

	start := time.Now()
	_, err := w.Wait(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrRendezvousTimeout) {
		t.Fatalf("err = %v, want ErrRendezvousTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}
	if n := l.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	late := dialWithToken(t, l, "silent")
	expectClosed(t, late)
}

func TestWaitHonoursContext(t *testing.T) {
	l := testListener(t)
	w := l.Expect("ctx")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Wait(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := l.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestCancelClosesUnclaimedConnection(t *testing.T) {
	l := testListener(t)
	w := l.Expect("unclaimed")

	client := dialWithToken(t, l, "unclaimed")
	waitFor(t, "delivery", func() bool { return l.Pending() == 0 })

	w.Cancel()
	w.Cancel()
	expectClosed(t, client)
}

func TestServeReturnsNilAfterClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- l.Serve() }()

	l.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

// flakyListener fails the first len(errs) Accept calls with the given
// errors before delegating to the real listener.
type flakyListener struct {
	net.Listener

	mu   sync.Mutex
	errs []error
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Listener.Accept()
}

func TestServeRetriesTransientAcceptErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	flaky := &flakyListener{Listener: ln, errs: []error{
		&net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE},
		&net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.ECONNABORTED)},
	}}
	l := newListener(flaky, time.Second, testLogger())

	errc := make(chan error, 1)
	go func() { errc <- l.Serve() }()

	w := l.Expect("after-emfile")
	dialWithToken(t, l, "after-emfile")
	conn, err := w.Wait(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("connection after transient accept errors: %v", err)
	}
	conn.Close()

	select {
	case err := <-errc:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	l.Close()
	if err := <-errc; err != nil {
		t.Errorf("Serve = %v after Close, want nil", err)
	}
}

func TestServeReturnsFatalAcceptError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	fatal := &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EBADF}
	l := newListener(&flakyListener{Listener: ln, errs: []error{fatal}}, time.Second, testLogger())

	select {
	case err := <-serveAsync(l):
		if !errors.Is(err, syscall.EBADF) {
			t.Errorf("Serve = %v, want the accept error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept running after a fatal accept error")
	}
}

func serveAsync(l *Listener) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- l.Serve() }()
	return errc
}

func TestIsTransientAcceptError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&net.OpError{Op: "accept", Err: syscall.EMFILE}, true},
		{&net.OpError{Op: "accept", Err: os.NewSyscallError("accept4", syscall.ENFILE)}, true},
		{&net.OpError{Op: "accept", Err: syscall.ECONNABORTED}, true},
		{&net.OpError{Op: "accept", Err: syscall.EBADF}, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isTransientAcceptError(tt.err); got != tt.want {
			t.Errorf("isTransientAcceptError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
