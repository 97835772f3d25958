package protocol

import "fmt"

// DecodeErrorKind classifies why a frame was rejected.
type DecodeErrorKind uint8

const (
	UnknownType DecodeErrorKind = iota + 1
	VersionMismatch
	Malformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case UnknownType:
		return "unknown type"
	case VersionMismatch:
		return "version mismatch"
	case Malformed:
		return "malformed"
	default:
		return "decode error"
	}
}

// DecodeError is returned by Decode and payload decoding. Use errors.Is with
// ErrUnknownType, ErrVersionMismatch or ErrMalformed to classify.
type DecodeError struct {
	Kind    DecodeErrorKind
	Type    Type  // set for UnknownType
	Version uint8 // set for VersionMismatch
	Err     error
}

var (
	ErrUnknownType     = &DecodeError{Kind: UnknownType}
	ErrVersionMismatch = &DecodeError{Kind: VersionMismatch}
	ErrMalformed       = &DecodeError{Kind: Malformed}
)

func malformed(err error) *DecodeError { return &DecodeError{Kind: Malformed, Err: err} }

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnknownType:
		return fmt.Sprintf("decode: unknown type %d", uint8(e.Type))
	case VersionMismatch:
		return fmt.Sprintf("decode: version mismatch: got %d, support <= %d", e.Version, Version)
	}
	if e.Err != nil {
		return "decode: malformed: " + e.Err.Error()
	}
	return "decode: " + e.Kind.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches any *DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}
