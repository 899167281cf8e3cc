package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// IntSize is the width of every integer on the wire.
	IntSize = 8
	// DefaultBufferSize is the chunk size used to reassemble payloads.
	DefaultBufferSize = 128
	// DefaultMaxPayload bounds a single data frame.
	DefaultMaxPayload = 64 << 20
)

var (
	ErrMalformedStatus = errors.New("malformed status")
	ErrProtocolDecode  = errors.New("protocol decode error")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Codec reads and writes framed messages over a byte stream. A Codec is
// not safe for concurrent use; one side of a connection owns it.
type Codec struct {
	rw         io.ReadWriter
	bufferSize int
	maxPayload uint64
}

// NewCodec wraps rw with the default buffer size and payload limit.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		rw:         rw,
		bufferSize: DefaultBufferSize,
		maxPayload: DefaultMaxPayload,
	}
}

// WithBufferSize sets the chunk size used by RecvData.
func (c *Codec) WithBufferSize(n int) *Codec {
	if n > 0 {
		c.bufferSize = n
	}
	return c
}

// WithMaxPayload sets the largest data frame RecvData will accept.
func (c *Codec) WithMaxPayload(n uint64) *Codec {
	c.maxPayload = n
	return c
}

func (c *Codec) SendInt(n uint64) error {
	var buf [IntSize]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if _, err := c.rw.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to send int: %w", err)
	}
	return nil
}

func (c *Codec) RecvInt() (uint64, error) {
	var buf [IntSize]byte
	if _, err := io.ReadFull(c.rw, buf[:]); err != nil {
		return 0, fmt.Errorf("failed to receive int: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (c *Codec) SendStatus(s Status) error {
	return c.SendInt(uint64(s))
}

func (c *Codec) RecvStatus() (Status, error) {
	n, err := c.RecvInt()
	if err != nil {
		return 0, err
	}
	s := Status(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrMalformedStatus, n)
	}
	return s, nil
}

// SendData writes the length prefix followed by the payload.
func (c *Codec) SendData(payload []byte) error {
	if err := c.SendInt(uint64(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("failed to send payload: %w", err)
	}
	return nil
}

// RecvData reads a length prefix and then exactly that many bytes, one
// buffer-sized chunk at a time.
func (c *Codec) RecvData() ([]byte, error) {
	size, err := c.RecvInt()
	if err != nil {
		return nil, err
	}
	if size > c.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, c.maxPayload)
	}

	blob := make([]byte, 0, size)
	chunk := make([]byte, c.bufferSize)
	for remaining := size; remaining > 0; {
		n := uint64(c.bufferSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(c.rw, chunk[:n]); err != nil {
			return nil, fmt.Errorf("failed to receive payload (%d of %d bytes): %w", size-remaining, size, err)
		}
		blob = append(blob, chunk[:n]...)
		remaining -= n
	}
	return blob, nil
}

func (c *Codec) SendRequest(req Request) error {
	return c.sendJSON(req)
}

func (c *Codec) RecvRequest() (Request, error) {
	var req Request
	err := c.recvJSON(&req)
	return req, err
}

func (c *Codec) SendResponse(resp Response) error {
	return c.sendJSON(resp)
}

func (c *Codec) RecvResponse() (Response, error) {
	var resp Response
	err := c.recvJSON(&resp)
	return resp, err
}

func (c *Codec) sendJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.SendData(body)
}

func (c *Codec) recvJSON(v any) error {
	body, err := c.RecvData()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return nil
}
