package tools

import (
	"errors"
	"fmt"
)

// ErrNotFound is reported when a call names a tool that is not in the
// effective registry, either because it does not exist or because the
// persona is not allowed to use it.
var ErrNotFound = errors.New("tool not found")

// ArgError reports a missing or malformed tool argument.
type ArgError struct {
	Arg    string
	Reason string
}

// Error implements the error interface.
func (e *ArgError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Arg, e.Reason)
}

// StringArg returns a required string argument.
func StringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", &ArgError{Arg: name, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &ArgError{Arg: name, Reason: "must be a non-empty string"}
	}
	return s, nil
}

// IntArg returns an optional integer argument. JSON numbers decode as
// float64, so both forms are accepted.
func IntArg(args map[string]any, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, &ArgError{Arg: name, Reason: "must be a number"}
}
