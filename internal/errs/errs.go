// Package errs defines the error kinds shared by the viewer core.
//
// Every failure that crosses a package boundary is an *Error carrying one of
// the Kind values below, so callers branch with errors.Is against the
// sentinel errors without caring which layer produced them:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindPermission        Kind = "permission"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindPersistence       Kind = "persistence"
	KindCapacity          Kind = "capacity"
)

// Sentinels matched by (*Error).Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermission        = errors.New("permission denied")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrPersistence       = errors.New("persistence failure")
	ErrCapacity          = errors.New("capacity exceeded")
)

// Error is a classified failure for a single operation on a single path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.sentinel())
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindPermission:
		return ErrPermission
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindPersistence:
		return ErrPersistence
	case KindCapacity:
		return ErrCapacity
	}
	return nil
}

func NotFound(op, path string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Path: path, Err: err}
}

func Permission(op, path string, err error) error {
	return &Error{Kind: KindPermission, Op: op, Path: path, Err: err}
}

func UnsupportedFormat(op, path string, err error) error {
	return &Error{Kind: KindUnsupportedFormat, Op: op, Path: path, Err: err}
}

func Persistence(op, key string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Path: key, Err: err}
}

func Capacity(op string, err error) error {
	return &Error{Kind: KindCapacity, Op: op, Err: err}
}

// FromFS classifies an os/io error. Errors that are neither "not exist" nor
// "permission" are returned wrapped as-is.
func FromFS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound(op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return Permission(op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
