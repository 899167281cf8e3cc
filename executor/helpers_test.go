package executor

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	logrus "github.com/sirupsen/logrus"

	"ignition/protocol"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testListener(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", time.Second, testLogger())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go l.Serve()
	t.Cleanup(func() { l.Close() })
	return l
}

// behaviour is what a fake container does once it has connected and sent
// its token. A nil behaviour never connects.
type behaviour func(c *protocol.Codec)

func echoWorker(delay time.Duration) behaviour {
	return func(c *protocol.Codec) {
		req, err := c.RecvRequest()
		if err != nil {
			return
		}
		time.Sleep(delay)
		out := req.Code
		c.SendStatus(protocol.StatusSuccess)
		c.SendResponse(protocol.Response{Stdout: &out, Duration: 1})
	}
}

func statusWorker(status protocol.Status) behaviour {
	return func(c *protocol.Codec) {
		if _, err := c.RecvRequest(); err != nil {
			return
		}
		c.SendStatus(status)
	}
}

// fakeLauncher stands in for Docker: every launch starts a goroutine that
// dials the rendezvous listener like a worker container would.
type fakeLauncher struct {
	addr string

	mu        sync.Mutex
	behaviour behaviour
	script    []behaviour
	launchErr error
	killErr   error
	active    int
	peak      int
	launched  int
	killed    []string
}

func newFakeLauncher(l *Listener, b behaviour) *fakeLauncher {
	return &fakeLauncher{addr: l.Addr().String(), behaviour: b}
}

func (f *fakeLauncher) Launch(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	if f.launchErr != nil {
		f.mu.Unlock()
		return "", f.launchErr
	}
	b := f.behaviour
	if f.launched < len(f.script) {
		b = f.script[f.launched]
	}
	f.launched++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	if b != nil {
		go func() {
			conn, err := net.Dial("tcp", f.addr)
			if err != nil {
				return
			}
			defer conn.Close()
			c := protocol.NewCodec(conn)
			if err := c.SendData([]byte(token)); err != nil {
				return
			}
			b(c)
		}()
	}
	return "container-" + token, nil
}

func (f *fakeLauncher) Kill(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.killed = append(f.killed, containerID)
	return f.killErr
}

func (f *fakeLauncher) snapshot() (peak, active, launched, killed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak, f.active, f.launched, len(f.killed)
}

func newTestScheduler(t *testing.T, launcher Launcher, l *Listener, opts Options) *Scheduler {
	t.Helper()
	s := NewScheduler(launcher, l, opts, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
