package pathkv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalid is matched by every ValidationError.
	ErrInvalid = errors.New("invalid")

	ErrClosed = errors.New("backend closed")
)

// ValidationError reports a malformed path, branch, tree or document. It is
// always returned before any backend call is made.
type ValidationError struct {
	Op   string
	Path Path
	Msg  string
	Err  error
}

func validationErrf(op string, path Path, err error, format string, args ...any) error {
	return &ValidationError{op, path, fmt.Sprintf(format, args...), err}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func (e *ValidationError) Error() string {
	var buf strings.Builder
	buf.WriteString("pathkv: ")
	buf.WriteString(e.Op)
	if e.Path != nil {
		buf.WriteString(" ")
		fmt.Fprintf(&buf, "%q", []string(e.Path))
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// BackendError wraps a failure reported by a Backend.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func backendErrf(op, key string, err error) error {
	return &BackendError{op, key, err}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("pathkv: backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pathkv: backend %s %q: %v", e.Op, e.Key, e.Err)
}

// DataError reports stored bytes that cannot be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	n := len(e.Data)
	data := e.Data
	var ellipsis string
	if n > prefixLen {
		data, ellipsis = data[:prefixLen], "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("%s at %d: %v: (%d) %x%s", e.Msg, e.Off, e.Err, n, data, ellipsis)
	}
	return fmt.Sprintf("%s at %d: (%d) %x%s", e.Msg, e.Off, n, data, ellipsis)
}
