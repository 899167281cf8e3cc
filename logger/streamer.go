package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NoticeLevel sits below debug for non-error informational trace logs.
const NoticeLevel zapcore.Level = -2

// uploadQueueSize bounds the entries waiting for the Better Stack uploader.
// Entries beyond it are dropped.
const uploadQueueSize = 256

type traceEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"`
	Layer      string         `json:"layer"`
	Attributes map[string]any `json:"attributes"`
}

// Streamer records per-request trace entries keyed by request id. In
// development entries are appended to a local file; otherwise a single
// background uploader posts them to Better Stack.
type Streamer struct {
	logger *zap.Logger

	mu     sync.Mutex
	sink   io.Writer
	closed bool

	uploadURL   string
	sourceToken string
	client      *http.Client
	queue       chan []byte
	uploaded    chan struct{}
}

// NewStreamer creates a Streamer. In development it appends to logFile,
// falling back to stderr. Elsewhere it uploads to uploadURL when set and
// only mirrors entries to logger when not.
func NewStreamer(sourceToken, environment, uploadURL, logFile string, logger *zap.Logger) *Streamer {
	s := &Streamer{logger: logger}

	if environment == "development" {
		s.sink = openSink(logFile, logger)
		return s
	}
	if uploadURL == "" {
		return s
	}

	s.uploadURL = uploadURL
	s.sourceToken = sourceToken
	s.client = &http.Client{Timeout: 10 * time.Second}
	s.queue = make(chan []byte, uploadQueueSize)
	s.uploaded = make(chan struct{})
	go s.uploader()
	return s
}

func openSink(path string, logger *zap.Logger) io.Writer {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("Failed to open trace log file, using stderr", zap.String("path", path), zap.Error(err))
		return os.Stderr
	}
	return f
}

func levelName(level zapcore.Level) string {
	if level == NoticeLevel {
		return "NOTICE"
	}
	return strings.ToUpper(level.String())
}

// Log records one trace entry. Entries without a trace id, and entries
// logged after Flush, are ignored.
func (s *Streamer) Log(level zapcore.Level, traceID, message string, attributes map[string]any, layer string, err error) {
	if traceID == "" {
		return
	}
	if attributes == nil {
		attributes = make(map[string]any)
	}
	if err != nil {
		attributes["error"] = err.Error()
	}
	s.logger.Log(level, message, zap.String("traceID", traceID), zap.String("layer", layer), zap.Any("attributes", attributes))

	body, marshalErr := json.Marshal(traceEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelName(level),
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	})
	if marshalErr != nil {
		s.logger.Error("Failed to marshal trace entry", zap.Error(marshalErr))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case s.sink != nil:
		if _, err := s.sink.Write(append(body, '\n')); err != nil {
			s.logger.Error("Failed to write trace entry", zap.Error(err))
		}
	case s.queue != nil:
		select {
		case s.queue <- body:
		default:
			s.logger.Warn("Trace upload queue full, dropping entry", zap.String("traceID", traceID))
		}
	}
}

func (s *Streamer) uploader() {
	defer close(s.uploaded)
	for body := range s.queue {
		if err := s.post(body); err != nil {
			s.logger.Error("Failed to upload trace entry", zap.Error(err))
		}
	}
}

func (s *Streamer) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.uploadURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.sourceToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		s.logger.Warn("Unexpected response from Better Stack", zap.String("status", resp.Status))
	}
	return nil
}

// Flush stops accepting entries, waits for queued uploads and closes the
// trace file. It is safe to call more than once.
func (s *Streamer) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
	if c, ok := s.sink.(io.Closer); ok && s.sink != os.Stderr {
		c.Close()
	}
	s.mu.Unlock()

	if s.uploaded != nil {
		<-s.uploaded
	}
}
