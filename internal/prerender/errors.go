package prerender

import (
	"errors"
	"fmt"
)

// ErrAlreadyRun is returned when Run is called on a used Orchestrator.
var ErrAlreadyRun = errors.New("orchestrator already ran; construct a new one per run")

// SetupError reports a failure to start the server or the browser.
type SetupError struct {
	Phase Phase
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// RouteError reports a failed render, post-process or write for one route.
type RouteError struct {
	Route string
	Phase Phase
	Step  string
	Err   error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Phase, e.Step, e.Route, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}
