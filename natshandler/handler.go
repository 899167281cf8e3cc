package natshandler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ignition/logger"
	"ignition/model"
	"ignition/protocol"
	"ignition/service"
)

const layer = "NATS_HANDLER"

// Publisher is the part of *nats.Conn used to answer requests.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Handler struct {
	service  *service.ProcessService
	nc       Publisher
	streamer *logger.Streamer
	logger   *zap.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a handler. streamer may be nil. Requests still running when
// ctx ends are answered with whatever the service reports.
func New(ctx context.Context, svc *service.ProcessService, nc Publisher, streamer *logger.Streamer, log *zap.Logger) *Handler {
	return &Handler{
		service:  svc,
		nc:       nc,
		streamer: streamer,
		logger:   log,
		ctx:      ctx,
	}
}

// HandleProcessRequest answers msg asynchronously so a slow execution
// does not hold up the subscription.
func (h *Handler) HandleProcessRequest(msg *nats.Msg) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.reply(msg, h.process(msg.Data))
	}()
}

// HandleLanguagesRequest answers with the supported languages.
func (h *Handler) HandleLanguagesRequest(msg *nats.Msg) {
	data, err := json.Marshal(h.service.Languages())
	if err != nil {
		h.logger.Error("Failed to marshal languages", zap.Error(err))
		return
	}
	h.reply(msg, data)
}

// Wait blocks until every dispatched request has been answered.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) process(data []byte) []byte {
	requestID := uuid.NewString()

	var req model.ProcessRequest
	var reply model.ProcessReply
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Failed to parse process request", zap.Error(err))
		h.trace(zapcore.WarnLevel, requestID, "Undecodable request", nil, err)
		reply = model.NewProcessReply(protocol.StatusBadRequest, nil)
		reply.Error = err.Error()
	} else {
		h.trace(zapcore.InfoLevel, requestID, "Process request received", map[string]any{
			"language": req.Language,
			"codeSize": len(req.Code),
		}, nil)
		reply = h.service.Process(h.ctx, req)
		h.trace(zapcore.InfoLevel, requestID, "Process request answered", map[string]any{
			"status": reply.Status,
		}, nil)
	}
	reply.RequestID = requestID

	out, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("Failed to marshal reply", zap.Error(err))
		return []byte(`{"status":"internal_server_error","code":500,"response":null}`)
	}
	return out
}

func (h *Handler) reply(msg *nats.Msg, data []byte) {
	if msg.Reply == "" {
		h.logger.Warn("Dropping reply to request without reply subject", zap.String("subject", msg.Subject))
		return
	}
	if err := h.nc.Publish(msg.Reply, data); err != nil {
		h.logger.Error("Failed to publish reply", zap.String("reply", msg.Reply), zap.Error(err))
	}
}

func (h *Handler) trace(level zapcore.Level, requestID, message string, attrs map[string]any, err error) {
	if h.streamer == nil {
		return
	}
	h.streamer.Log(level, requestID, message, attrs, layer, err)
}
