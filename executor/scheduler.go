package executor

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"ignition/metrics"
	"ignition/protocol"
)

type pendingRequest struct {
	id         string
	request    protocol.Request
	result     chan Result
	enqueuedAt time.Time
}

// Scheduler admits requests from an unbounded overflow queue into a fixed
// number of execution slots. Each admitted request gets its own container.
type Scheduler struct {
	launcher Launcher
	listener *Listener
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex
	overflow *list.List
	inFlight map[string]*pendingRequest
	peak     int
	closed   bool

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler and starts its admission loop.
func NewScheduler(launcher Launcher, listener *Listener, opts Options, logger *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		launcher: launcher,
		listener: listener,
		opts:     opts.withDefaults(),
		logger:   logger,
		overflow: list.New(),
		inFlight: make(map[string]*pendingRequest),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go s.admissionLoop()
	logger.Printf("Scheduler started with %d slots", s.opts.QueueSize)
	return s
}

// Process runs req in a fresh container and returns its status and, on
// success, its response. Execution failures are reported as statuses. The
// error is non-nil only when ctx ends first; the request still runs to
// completion in that case.
func (s *Scheduler) Process(ctx context.Context, req protocol.Request) (protocol.Status, *protocol.Response, error) {
	p := &pendingRequest{
		id:         uuid.NewString(),
		request:    req,
		result:     make(chan Result, 1),
		enqueuedAt: time.Now(),
	}
	if !s.enqueue(p) {
		return protocol.StatusClose, nil, nil
	}

	select {
	case res := <-p.result:
		return res.Status, res.Response, nil
	case <-ctx.Done():
		s.logger.WithField("request", p.id).Debug("Caller stopped waiting for result")
		return protocol.StatusInternalServerError, nil, ctx.Err()
	}
}

// Stats returns a snapshot of the queues.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Overflow:     s.overflow.Len(),
		InFlight:     len(s.inFlight),
		PeakInFlight: s.peak,
	}
}

// Shutdown stops admission, answers every queued request with
// StatusClose and waits for in-flight requests to finish. When ctx ends
// first, in-flight requests are aborted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	var abandoned []*pendingRequest
	for e := s.overflow.Front(); e != nil; e = e.Next() {
		abandoned = append(abandoned, e.Value.(*pendingRequest))
	}
	s.overflow.Init()
	s.updateGauges()
	s.mu.Unlock()

	s.logger.Printf("Shutting down scheduler, %d queued requests dropped", len(abandoned))
	for _, p := range abandoned {
		p.result <- Result{Status: protocol.StatusClose, Err: ErrSchedulerClosed}
	}
	<-s.loopDone

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		s.logger.Println("Scheduler shutdown complete")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-finished
		return ctx.Err()
	}
}

func (s *Scheduler) enqueue(p *pendingRequest) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.overflow.PushBack(p)
	s.updateGauges()
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// admissionLoop sleeps until a request is enqueued or a slot frees up.
func (s *Scheduler) admissionLoop() {
	defer close(s.loopDone)
	for {
		s.admit()
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for len(s.inFlight) < s.opts.QueueSize && s.overflow.Len() > 0 {
		p := s.overflow.Remove(s.overflow.Front()).(*pendingRequest)
		s.inFlight[p.id] = p
		if len(s.inFlight) > s.peak {
			s.peak = len(s.inFlight)
		}
		s.wg.Add(1)
		go s.execute(p)
	}
	s.updateGauges()
}

// release frees the slot held by id and wakes the admission loop so the
// slot is backfilled from overflow.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.updateGauges()
	s.mu.Unlock()

	s.notify()
}

func (s *Scheduler) updateGauges() {
	metrics.QueueDepth.Set(float64(s.overflow.Len()))
	metrics.InFlight.Set(float64(len(s.inFlight)))
}

func (s *Scheduler) execute(p *pendingRequest) {
	defer s.wg.Done()

	log := s.logger.WithFields(logrus.Fields{
		"request":  p.id,
		"language": p.request.Language,
	})
	log.WithField("queued", time.Since(p.enqueuedAt)).Debug("Request admitted")

	start := time.Now()
	res := s.run(p, log)
	s.release(p.id)

	metrics.ExecutionsTotal.WithLabelValues(p.request.Language, res.Status.String()).Inc()
	entry := log.WithFields(logrus.Fields{
		"status":   res.Status.String(),
		"duration": time.Since(start),
	})
	if res.Err != nil {
		entry.WithFields(logrus.Fields{"state": res.FailedIn, "error": res.Err}).Error("Execution failed")
	} else {
		entry.WithField("state", StateCompleted).Debug("Execution completed")
	}

	p.result <- res
}

// run drives one request through launch, rendezvous and the exchange with
// the worker. Cleanup is deferred so it runs on every branch.
func (s *Scheduler) run(p *pendingRequest, log *logrus.Entry) Result {
	ctx := s.ctx
	token := uuid.NewString()

	waiter := s.listener.Expect(token)
	defer waiter.Cancel()

	launchStart := time.Now()
	containerID, err := s.launcher.Launch(ctx, token)
	if err != nil {
		return failed(StateLaunching, fmt.Errorf("%w: %v", ErrLaunchFailed, err))
	}
	metrics.ContainerLaunchTime.Observe(float64(time.Since(launchStart).Milliseconds()))
	log = log.WithField("container", shortID(containerID))
	defer s.kill(log, containerID)

	connectStart := time.Now()
	conn, err := waiter.Wait(ctx, s.opts.ConnectTimeout)
	if err != nil {
		if errors.Is(err, ErrRendezvousTimeout) {
			metrics.RendezvousTimeouts.Inc()
			s.dumpLogs(log, containerID)
		}
		return failed(StateAwaitingConnection, err)
	}
	defer conn.Close()
	metrics.RendezvousTime.Observe(float64(time.Since(connectStart).Milliseconds()))

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	return exchange(protocol.NewCodec(conn), p.request)
}

// exchange sends the request and reads the worker's answer.
func exchange(codec *protocol.Codec, req protocol.Request) Result {
	if err := codec.SendRequest(req); err != nil {
		return failed(StateSending, fmt.Errorf("%w: %v", ErrConnection, err))
	}

	status, err := codec.RecvStatus()
	if err != nil {
		return failed(StateAwaitingStatus, connectionError(err))
	}
	if status != protocol.StatusSuccess {
		return Result{Status: status}
	}

	resp, err := codec.RecvResponse()
	if err != nil {
		return failed(StateAwaitingResponse, connectionError(err))
	}
	return Result{Status: protocol.StatusSuccess, Response: &resp}
}

func connectionError(err error) error {
	if errors.Is(err, protocol.ErrMalformedStatus) || errors.Is(err, protocol.ErrProtocolDecode) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: aborted: %v", ErrConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func failed(state ExecutionState, err error) Result {
	return Result{
		Status:   protocol.StatusInternalServerError,
		Err:      err,
		FailedIn: state,
	}
}

func (s *Scheduler) kill(log *logrus.Entry, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.KillTimeout)
	defer cancel()

	if err := s.launcher.Kill(ctx, containerID); err != nil {
		metrics.KillFailures.Inc()
		log.WithError(err).Warn("Failed to kill worker container")
	}
}

func (s *Scheduler) dumpLogs(log *logrus.Entry, containerID string) {
	fetcher, ok := s.launcher.(LogFetcher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stdout, stderr, err := fetcher.Logs(ctx, containerID)
	if err != nil {
		log.WithError(err).Debug("Could not read logs of silent container")
		return
	}
	log.WithFields(logrus.Fields{"stdout": stdout, "stderr": stderr}).Warn("Container never connected back")
}
