package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	logrus "github.com/sirupsen/logrus"

	"ignition/metrics"
	"ignition/protocol"
)

// maxTokenSize bounds the handshake frame a worker sends after dialing.
const maxTokenSize = 256

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener accepts connections from worker containers and hands each one
// to the launch that is waiting for it. Workers identify themselves by
// sending their launch token as the first data frame.
type Listener struct {
	listener         net.Listener
	handshakeTimeout time.Duration
	logger           *logrus.Logger

	mu      sync.Mutex
	waiters map[string]chan net.Conn
}

// Listen binds the rendezvous socket.
func Listen(addr string, handshakeTimeout time.Duration, logger *logrus.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return newListener(ln, handshakeTimeout, logger), nil
}

func newListener(ln net.Listener, handshakeTimeout time.Duration, logger *logrus.Logger) *Listener {
	return &Listener{
		listener:         ln,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		waiters:          make(map[string]chan net.Conn),
	}
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve runs the accept loop until the socket is closed or fails for
// good. Resource exhaustion and aborted handshakes are retried with a
// capped backoff. A closed listener returns nil.
func (l *Listener) Serve() error {
	l.logger.WithField("addr", l.listener.Addr().String()).Info("Rendezvous listener started")
	var backoff time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.logger.Info("Rendezvous listener closed")
				return nil
			}
			if isTransientAcceptError(err) {
				if backoff == 0 {
					backoff = minAcceptBackoff
				} else {
					backoff = min(backoff*2, maxAcceptBackoff)
				}
				l.logger.WithFields(logrus.Fields{"error": err, "retry": backoff}).Warn("Accept failed, retrying")
				metrics.AcceptRetries.Inc()
				time.Sleep(backoff)
				continue
			}
			l.logger.WithError(err).Error("Rendezvous listener failed")
			return fmt.Errorf("rendezvous accept: %w", err)
		}
		backoff = 0
		go l.handshake(conn)
	}
}

func isTransientAcceptError(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EMFILE,
		syscall.ENFILE,
		syscall.ECONNABORTED,
		syscall.ECONNRESET,
		syscall.ENOBUFS,
		syscall.ENOMEM,
		syscall.EAGAIN,
		syscall.EINTR,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// Pending returns the number of registered waiters.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func (l *Listener) handshake(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(l.handshakeTimeout))
	token, err := protocol.NewCodec(conn).WithMaxPayload(maxTokenSize).RecvData()
	if err != nil {
		l.logger.WithFields(logrus.Fields{"remote": remote, "error": err}).Warn("Discarding connection that failed the handshake")
		metrics.DiscardedConnections.WithLabelValues("handshake").Inc()
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !l.deliver(string(token), conn) {
		l.logger.WithField("remote", remote).Warn("Discarding connection with no matching waiter")
		metrics.DiscardedConnections.WithLabelValues("unmatched").Inc()
		conn.Close()
	}
}

// deliver hands conn to the waiter registered under token. The send
// happens under the lock so Cancel either sees the waiter or the
// delivered connection.
func (l *Listener) deliver(token string, conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[token]
	if !ok {
		return false
	}
	delete(l.waiters, token)
	ch <- conn
	return true
}

// Expect registers a waiter for token. Register before launching the
// container so an early connection is not discarded.
func (l *Listener) Expect(token string) *Waiter {
	ch := make(chan net.Conn, 1)
	l.mu.Lock()
	l.waiters[token] = ch
	l.mu.Unlock()
	return &Waiter{listener: l, token: token, ch: ch}
}

// Waiter is one launch's claim on an inbound connection.
type Waiter struct {
	listener *Listener
	token    string
	ch       chan net.Conn
	once     sync.Once
}

// Wait blocks until the worker connects, timeout elapses or ctx ends. On
// timeout it deregisters itself and returns ErrRendezvousTimeout.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		return conn, nil
	case <-timer.C:
		w.Cancel()
		return nil, ErrRendezvousTimeout
	case <-ctx.Done():
		w.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel deregisters the waiter and closes a connection that was
// delivered but never taken. Safe to call more than once.
func (w *Waiter) Cancel() {
	w.once.Do(func() {
		w.listener.mu.Lock()
		delete(w.listener.waiters, w.token)
		w.listener.mu.Unlock()

		select {
		case conn := <-w.ch:
			conn.Close()
		default:
		}
	})
}
