package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DecodeString copies the content of a foreign NUL-terminated buffer, without
// its terminator, into a Go string.
func DecodeString(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", ErrInvalidUTF8
	}
	return string(raw), nil
}

// EncodeString returns s followed by a single NUL byte, ready to be copied to
// foreign memory.
func EncodeString(s string) ([]byte, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, &EmbeddedNulError{Offset: i}
	}
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out, nil
}

// EmbeddedNulError reports where a string that had to cross the boundary
// contains a NUL.
type EmbeddedNulError struct {
	Offset int
}

func (e *EmbeddedNulError) Error() string {
	return fmt.Sprintf("%v at offset %d", ErrEmbeddedNul, e.Offset)
}

func (e *EmbeddedNulError) Unwrap() error { return ErrEmbeddedNul }
