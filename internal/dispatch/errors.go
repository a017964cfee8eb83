package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies why a dispatch failed.
type Kind string

const (
	// KindConfiguration: the task could not be dispatched, e.g. no base URL for its platform.
	KindConfiguration Kind = "configuration"
	// KindTransient: network error or timeout. Never retried automatically.
	KindTransient Kind = "transient"
	// KindPermanent: the handler answered with a non-2xx status.
	KindPermanent Kind = "permanent"
)

type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("dispatch %s: handler returned %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
	default:
		return "dispatch " + string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a dispatch error, or "" if err is not one.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
