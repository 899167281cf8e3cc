package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"ignition/lang"
	"ignition/protocol"
)

// Options configures a worker. Addr and Token come from the container
// environment set by the launcher.
type Options struct {
	Addr        string
	Token       string
	Timeout     time.Duration
	DialTimeout time.Duration
	ScratchDir  string
	Languages   lang.Table
}

// Worker handles exactly one request received over a connection it dials
// itself.
type Worker struct {
	opts   Options
	logger *logrus.Logger
}

func New(opts Options, logger *logrus.Logger) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.Languages == nil {
		opts.Languages = lang.Default()
	}
	return &Worker{opts: opts, logger: logger}
}

// Run connects to the scheduler, identifies itself with its token and
// serves one request.
func (w *Worker) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: w.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", w.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", w.opts.Addr, err)
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	if err := codec.SendData([]byte(w.opts.Token)); err != nil {
		return fmt.Errorf("failed to send token: %w", err)
	}
	return w.Serve(ctx, codec)
}

// Serve reads one request from codec, executes it and writes the status
// followed, on success, by the response.
func (w *Worker) Serve(ctx context.Context, codec *protocol.Codec) error {
	req, err := codec.RecvRequest()
	if err != nil {
		if errors.Is(err, protocol.ErrProtocolDecode) {
			w.logger.WithError(err).Warn("Rejecting undecodable request")
			if sendErr := codec.SendStatus(protocol.StatusBadRequest); sendErr != nil {
				w.logger.WithError(sendErr).Warn("Failed to send bad_request status")
			}
		}
		return err
	}

	log := w.logger.WithField("language", req.Language)
	status, resp := w.handle(ctx, req, log)
	log.WithField("status", status.String()).Info("Request handled")

	if err := codec.SendStatus(status); err != nil {
		return err
	}
	if status != protocol.StatusSuccess {
		return nil
	}
	return codec.SendResponse(resp)
}

func (w *Worker) handle(ctx context.Context, req protocol.Request, log *logrus.Entry) (protocol.Status, protocol.Response) {
	recipe, ok := w.opts.Languages.Lookup(req.Language)
	if !ok {
		return protocol.StatusNotImplemented, protocol.Response{}
	}

	dir, err := os.MkdirTemp(w.opts.ScratchDir, "ignition-*")
	if err != nil {
		log.WithError(err).Error("Failed to create scratch directory")
		return protocol.StatusInternalServerError, protocol.Response{}
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, uuid.NewString()+"."+recipe.Extension)
	if err := os.WriteFile(file, []byte(req.Code), 0o644); err != nil {
		log.WithError(err).Error("Failed to write source file")
		return protocol.StatusInternalServerError, protocol.Response{}
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	resp, err := recipe.Execute(runCtx, file, req.Args)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.WithField("timeout", w.opts.Timeout).Warn("Execution timed out")
		return protocol.StatusTimeout, protocol.Response{}
	case err != nil:
		log.WithError(err).Error("Execution failed")
		return protocol.StatusInternalServerError, protocol.Response{}
	}
	return protocol.StatusSuccess, resp
}
