package proto

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame is wrapped by every structural validation failure.
var ErrInvalidFrame = errors.New("invalid frame")

// Validate checks that a request frame carries the body its type requires.
// Only argument presence is checked; IDs and text are not interpreted.
func Validate(f *Frame) error {
	switch f.Type {
	case FrameTypeSubmit:
		if f.Submit == nil {
			return fmt.Errorf("%w: submit body required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeRegister:
		if f.Register == nil {
			return fmt.Errorf("%w: register body required", ErrInvalidFrame)
		}
		if f.Register.CallbackAddr == "" {
			return fmt.Errorf("%w: register.callback_addr required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeDeliver:
		if f.Deliver == nil {
			return fmt.Errorf("%w: deliver body required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeSubscribe:
		if f.Subscribe == nil || f.Subscribe.CallbackAddr == "" {
			return fmt.Errorf("%w: subscribe.callback_addr required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeRenew:
		if f.Renew == nil || f.Renew.LeaseID == "" {
			return fmt.Errorf("%w: renew.lease_id required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeCancel:
		if f.Cancel == nil || f.Cancel.LeaseID == "" {
			return fmt.Errorf("%w: cancel.lease_id required", ErrInvalidFrame)
		}
		return nil
	case FrameTypeNotify:
		if f.Notify == nil {
			return fmt.Errorf("%w: notify body required", ErrInvalidFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidFrame, f.Type)
	}
}

// ReplyError converts an Error reply into a Go error. Ack and Lease replies return nil.
func ReplyError(f *Frame) error {
	if f == nil {
		return fmt.Errorf("%w: empty reply", ErrInvalidFrame)
	}
	if f.Type == FrameTypeError {
		if f.Error == nil {
			return &RemoteError{Code: CodeUnavailable}
		}
		return &RemoteError{Code: f.Error.Code, Message: f.Error.Message}
	}
	if f.Type == FrameTypeAck && (f.Ack == nil || !f.Ack.OK) {
		return &RemoteError{Code: CodeUnavailable, Message: "negative ack"}
	}
	return nil
}

// RemoteError is an error reported by the peer in an ErrorFrame.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote: " + e.Code
	}
	return "remote: " + e.Code + ": " + e.Message
}
