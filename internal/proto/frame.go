package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// Frame types
const (
	FrameTypeSubmit    = 1
	FrameTypeRegister  = 2
	FrameTypeDeliver   = 3
	FrameTypeSubscribe = 4
	FrameTypeRenew     = 5
	FrameTypeCancel    = 6
	FrameTypeNotify    = 7
	FrameTypeLease     = 8
	FrameTypeAck       = 9
	FrameTypeError     = 10
)

// MaxFrameSize caps the JSON body of a single frame (1MB).
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Error codes carried by ErrorFrame
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnknownFrame    = "UNKNOWN_FRAME"
	CodeLeaseNotFound   = "LEASE_NOT_FOUND"
	CodeUnavailable     = "UNAVAILABLE"
)

// Message is the addressed record a sender deposits and a receiver collects.
type Message struct {
	SenderID   int    `json:"sender_id"`
	ReceiverID int    `json:"receiver_id"`
	Text       string `json:"text"`
}

// TrafficEvent is a snapshot of a broker's cumulative counters.
type TrafficEvent struct {
	Broker   string `json:"broker"`
	Incoming uint64 `json:"incoming"`
	Outgoing uint64 `json:"outgoing"`
}

// SubmitFrame is sent by a sender to deposit a message
type SubmitFrame struct {
	Message Message `json:"message"`
}

// RegisterFrame attaches a receiver callback to the mailbox named by Probe.ReceiverID.
// Only the receiver ID of the probe is meaningful.
type RegisterFrame struct {
	Probe        Message `json:"probe"`
	CallbackAddr string  `json:"callback_addr"`
}

// DeliverFrame is sent by the broker to a receiver callback endpoint
type DeliverFrame struct {
	Message Message `json:"message"`
}

// SubscribeFrame asks for traffic notifications at CallbackAddr
type SubscribeFrame struct {
	CallbackAddr string `json:"callback_addr"`
}

// RenewFrame extends a lease
type RenewFrame struct {
	LeaseID string `json:"lease_id"`
}

// CancelFrame gives up a lease
type CancelFrame struct {
	LeaseID string `json:"lease_id"`
}

// NotifyFrame is sent by the broker to an observer callback endpoint
type NotifyFrame struct {
	Event TrafficEvent `json:"event"`
}

// LeaseFrame answers Subscribe and Renew
type LeaseFrame struct {
	LeaseID   string `json:"lease_id"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

// AckFrame
type AckFrame struct {
	OK bool `json:"ok"`
}

// ErrorFrame
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the top-level wire message
type Frame struct {
	Type      int             `json:"t"`
	Submit    *SubmitFrame    `json:"s,omitempty"`
	Register  *RegisterFrame  `json:"r,omitempty"`
	Deliver   *DeliverFrame   `json:"d,omitempty"`
	Subscribe *SubscribeFrame `json:"sub,omitempty"`
	Renew     *RenewFrame     `json:"rn,omitempty"`
	Cancel    *CancelFrame    `json:"c,omitempty"`
	Notify    *NotifyFrame    `json:"n,omitempty"`
	Lease     *LeaseFrame     `json:"l,omitempty"`
	Ack       *AckFrame       `json:"a,omitempty"`
	Error     *ErrorFrame     `json:"e,omitempty"`
}

// Ack returns a positive acknowledgement frame
func Ack() *Frame {
	return &Frame{Type: FrameTypeAck, Ack: &AckFrame{OK: true}}
}

// Errorf returns an error frame with the given code
func Errorf(code, message string) *Frame {
	return &Frame{Type: FrameTypeError, Error: &ErrorFrame{Code: code, Message: message}}
}

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	// 4-byte big-endian length prefix, written with the body in one call
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	*f = Frame{}
	return json.Unmarshal(data, f)
}
