package status

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Kind classifies an execution failure. The kind decides how far the
// failure propagates: payload-local kinds never abort the batch, the
// rest do.
type Kind int

const (
	// ConfigMismatch means the declared model schema and the schema the
	// runtime reports disagree (datatype, shape, missing tensor). Fatal at
	// load time, fatal per-batch at run time.
	ConfigMismatch Kind = iota

	// MalformedInput means a request carried bad content (truncated
	// length-prefix, wrong string element count). Confined to the
	// offending payload.
	MalformedInput

	// CapacityViolation means the batch's total size exceeds the
	// context's max. Signals a scheduler contract bug.
	CapacityViolation

	// DeviceFailure means the underlying device or runtime call failed.
	DeviceFailure

	// Internal means a structural inconsistency inside the core itself,
	// e.g. a byte-size arithmetic mismatch or a missing output tensor.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ConfigMismatch:
		return "config mismatch"
	case MalformedInput:
		return "malformed input"
	case CapacityViolation:
		return "capacity violation"
	case DeviceFailure:
		return "device failure"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Code maps a failure kind to the gRPC code the serving surface reports.
func (k Kind) Code() codes.Code {
	switch k {
	case ConfigMismatch, MalformedInput:
		return codes.InvalidArgument
	case CapacityViolation:
		return codes.ResourceExhausted
	case DeviceFailure:
		return codes.Unavailable
	}
	return codes.Internal
}

// Error is a classified execution error. A nil *Error (or nil error)
// means OK; payload status is carried as a plain error value, never as
// a panic.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// GRPCStatus lets grpcstatus.FromError recover the mapped code.
func (e *Error) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(e.Kind.Code(), e.Msg)
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err. Unclassified errors are treated as
// Internal; a nil err has no kind and reports Internal as well, so
// callers must check err != nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsBatchFatal reports whether err must abort the whole batch rather
// than only the payload it was observed on.
func IsBatchFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != MalformedInput
}
