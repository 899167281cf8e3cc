package protocol

import "fmt"

// Status is the outcome code sent first on every reply. Values mirror HTTP
// and websocket status codes.
type Status uint64

const (
	StatusWaiting             Status = 100
	StatusSuccess             Status = 200
	StatusBadRequest          Status = 400
	StatusTimeout             Status = 408
	StatusInternalServerError Status = 500
	StatusNotImplemented      Status = 501
	StatusClose               Status = 1000
)

var statusNames = map[Status]string{
	StatusWaiting:             "waiting",
	StatusSuccess:             "success",
	StatusBadRequest:          "bad_request",
	StatusTimeout:             "timeout",
	StatusInternalServerError: "internal_server_error",
	StatusNotImplemented:      "not_implemented",
	StatusClose:               "close",
}

// Valid reports whether s is one of the known status codes.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint64(s))
}

// Request is the unit of work shipped to a worker.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Args     string `json:"args"`
}

// Response carries the captured output of a successful run. Stdout and
// Stderr are nil when the program wrote nothing to them.
type Response struct {
	Stdout   *string `json:"stdout"`
	Stderr   *string `json:"stderr"`
	Duration int64   `json:"ns"`
}

// NewResponse builds a Response, mapping empty output to nil.
func NewResponse(stdout, stderr []byte, durationNs int64) Response {
	return Response{
		Stdout:   optional(stdout),
		Stderr:   optional(stderr),
		Duration: durationNs,
	}
}

func optional(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
