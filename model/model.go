package model

import "ignition/protocol"

// ProcessRequest is the message published on the process subject.
type ProcessRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Args     string `json:"args"`
}

// ProcessReply is sent back on the reply subject. Response is only set
// when Status is "success".
type ProcessReply struct {
	Status    string             `json:"status"`
	Code      uint64             `json:"code"`
	Response  *protocol.Response `json:"response"`
	RequestID string             `json:"request_id,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// LanguagesReply lists the languages workers can run.
type LanguagesReply struct {
	Languages []string `json:"languages"`
}

// NewProcessReply builds a reply from a scheduler outcome.
func NewProcessReply(status protocol.Status, resp *protocol.Response) ProcessReply {
	return ProcessReply{
		Status:   status.String(),
		Code:     uint64(status),
		Response: resp,
	}
}

func (r ProcessRequest) ToProtocol() protocol.Request {
	return protocol.Request{
		Language: r.Language,
		Code:     r.Code,
		Args:     r.Args,
	}
}
