// Copyright 2025 Certen Protocol

package bind

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ValidationError marks codec failures that are the caller's fault (bad
// input, unknown codec name) rather than an internal error.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// ApplyCodec transforms value using the named codec. Only "base64.decode"
// is implemented; any other name is a ValidationError, never a panic or a
// silent passthrough.
func ApplyCodec(name string, value any) (any, error) {
	switch name {
	case "base64.decode":
		s, ok := value.(string)
		if !ok {
			return nil, &ValidationError{Msg: fmt.Sprintf("base64.decode: expected string input, got %T", value)}
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("base64.decode: %v", err)}
		}
		// Lossy: byte runs that are not valid UTF-8 become U+FFFD, keeping
		// the "string in, string out" grammar contract total over arbitrary
		// decoded bytes.
		return strings.ToValidUTF8(string(raw), "\uFFFD"), nil
	default:
		return nil, &ValidationError{Msg: "unknown codec: " + name}
	}
}
