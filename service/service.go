package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ignition/lang"
	"ignition/model"
	"ignition/protocol"
)

var (
	ErrInvalidRequest = errors.New("invalid request parameters")
	ErrCodeTooLong    = errors.New("code exceeds maximum length")
)

// Processor runs a request to completion. *executor.Scheduler satisfies it.
type Processor interface {
	Process(ctx context.Context, req protocol.Request) (protocol.Status, *protocol.Response, error)
}

// ProcessService validates front-end requests before they take an
// execution slot.
type ProcessService struct {
	processor     Processor
	maxCodeLength int
	languages     lang.Table
	logger        *zap.Logger
}

func NewProcessService(processor Processor, maxCodeLength int, logger *zap.Logger) *ProcessService {
	return &ProcessService{
		processor:     processor,
		maxCodeLength: maxCodeLength,
		languages:     lang.Default(),
		logger:        logger,
	}
}

// Process validates req and runs it. Invalid requests are answered with
// bad_request without reaching the scheduler.
func (s *ProcessService) Process(ctx context.Context, req model.ProcessRequest) model.ProcessReply {
	if err := s.validate(req); err != nil {
		s.logger.Info("Rejected request", zap.String("language", req.Language), zap.Error(err))
		reply := model.NewProcessReply(protocol.StatusBadRequest, nil)
		reply.Error = err.Error()
		return reply
	}

	status, resp, err := s.processor.Process(ctx, req.ToProtocol())
	reply := model.NewProcessReply(status, resp)
	if err != nil {
		s.logger.Warn("Request abandoned", zap.String("language", req.Language), zap.Error(err))
		reply.Error = err.Error()
	}
	return reply
}

// Languages lists the supported language identifiers.
func (s *ProcessService) Languages() model.LanguagesReply {
	return model.LanguagesReply{Languages: s.languages.Languages()}
}

func (s *ProcessService) validate(req model.ProcessRequest) error {
	if strings.TrimSpace(req.Language) == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	if s.maxCodeLength > 0 && len(req.Code) > s.maxCodeLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrCodeTooLong, len(req.Code), s.maxCodeLength)
	}
	return nil
}
