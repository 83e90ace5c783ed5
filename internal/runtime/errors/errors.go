package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrTimeout         = sterrors.New("helloflow: request timed out")
	ErrShutdown        = sterrors.New("helloflow: runtime is shutting down")
	ErrSuperseded      = sterrors.New("helloflow: request superseded by a newer call")
	ErrStrayReply      = sterrors.New("helloflow: reply does not match the active request")
	ErrTransportClosed = sterrors.New("helloflow: transport is closed")
	ErrTransportNeeded = sterrors.New("helloflow: transport is required")
	ErrHandlerNeeded   = sterrors.New("helloflow: message handler is required")
	ErrNotOffered      = sterrors.New("helloflow: service is not offered")
)

// DecodeReason classifies why a payload could not be decoded.
type DecodeReason int

const (
	// EmptyPayload means the payload had zero length.
	EmptyPayload DecodeReason = iota
	// Malformed means a length field or structure did not match the payload.
	Malformed
	// TooShort means the payload ended before a fixed-size field.
	TooShort
)

func (r DecodeReason) String() string {
	switch r {
	case EmptyPayload:
		return "empty payload"
	case Malformed:
		return "malformed payload"
	case TooShort:
		return "payload too short"
	}
	return fmt.Sprintf("decode reason %d", int(r))
}

// DecodeError reports a failed decode. Decode failures are never fatal: the
// offending message is dropped and processing continues.
type DecodeError struct {
	Reason DecodeReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "helloflow: " + e.Reason.String()
	}
	return "helloflow: " + e.Reason.String() + ": " + e.Detail
}

// Is lets errors.Is match any DecodeError carrying the same reason.
func (e *DecodeError) Is(target error) bool {
	other, ok := target.(*DecodeError)
	return ok && other.Reason == e.Reason
}

// NewDecodeError constructs a DecodeError with an optional formatted detail.
func NewDecodeError(reason DecodeReason, format string, args ...any) *DecodeError {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &DecodeError{Reason: reason, Detail: detail}
}

// EncodingError reports a failed encode. It aborts only the current encode.
type EncodingError struct {
	Detail string
}

func (e *EncodingError) Error() string {
	return "helloflow: encoding failed: " + e.Detail
}
