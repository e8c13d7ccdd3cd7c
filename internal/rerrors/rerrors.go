// Package rerrors defines the two fatal error categories the driver maps to
// process exit codes, per the error handling design: environment mismatches
// exit 1, unreadable required artifacts exit 2. Everything else tolerated
// along the way (ENOENT on remove, a NULL chunk, a vanished source file) is
// just a plain error and never reaches these types.
package rerrors

import "github.com/pkg/errors"

// Environment reports a fatal mismatch between the source and target
// clusters, or a precondition the driver refuses to proceed without
// (mismatched system ids, a target that wasn't shut down cleanly, source in
// recovery, and so on). The CLI maps this to exit code 1.
type Environment struct {
	Op   string
	Path string
	Err  error
}

func (e *Environment) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Environment) Unwrap() error { return e.Err }

// NewEnvironment wraps cause as an Environment error naming the failing
// operation and, where relevant, the offending path.
func NewEnvironment(op, path string, cause error) *Environment {
	return &Environment{Op: op, Path: path, Err: errors.WithStack(cause)}
}

// Environmentf builds an Environment error from a format string.
func Environmentf(op, path, format string, args ...interface{}) *Environment {
	return &Environment{Op: op, Path: path, Err: errors.Errorf(format, args...)}
}

// Read reports a fatal failure to read a required artifact (the control
// file, a history file). The CLI maps this to exit code 2.
type Read struct {
	Op   string
	Path string
	Err  error
}

func (e *Read) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Read) Unwrap() error { return e.Err }

// NewRead wraps cause as a Read error naming the failing read and its path.
func NewRead(op, path string, cause error) *Read {
	return &Read{Op: op, Path: path, Err: errors.WithStack(cause)}
}
