// Package execerr defines the tagged errors every execution stage reports.
//
// An *Error carries the failure Kind, the Stage that produced it and the
// target it concerns. errors.Is matches on Kind (and on Stage when the
// sentinel sets one), so callers can write
//
//	if errors.Is(err, execerr.ErrAuth) { ... }
//
// while the wrapped cause stays reachable through errors.As/Unwrap.
package execerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	InvalidTargetSpec
	KeyLoad
	UntrustedHost
	Auth
	Connect
	ContainerCreate
	RemoteExec
	Cleanup
)

var kindNames = map[Kind]string{
	Unknown:           "UnknownError",
	InvalidTargetSpec: "InvalidTargetSpec",
	KeyLoad:           "KeyLoadError",
	UntrustedHost:     "UntrustedHostError",
	Auth:              "AuthError",
	Connect:           "ConnectError",
	ContainerCreate:   "ContainerCreateError",
	RemoteExec:        "RemoteExecError",
	Cleanup:           "CleanupError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Stage string

const (
	StageResolve Stage = "resolve"
	StageKeys    Stage = "keys"
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageExecute Stage = "execute"
	StageCommit  Stage = "commit"
	StageCleanup Stage = "cleanup"
)

////////////////////////////////////////////////////////////////////////////////

type Error struct {
	Kind   Kind
	Stage  Stage
	Target string
	Err    error
}

func New(kind Kind, stage Stage, target string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Target: target, Err: err}
}

func Newf(kind Kind, stage Stage, target string, format string, a ...any) *Error {
	return New(kind, stage, target, fmt.Errorf(format, a...))
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " at " + string(e.Stage)
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Stage == "" || t.Stage == e.Stage
}

////////////////////////////////////////////////////////////////////////////////

var (
	ErrInvalidTargetSpec = &Error{Kind: InvalidTargetSpec}
	ErrKeyLoad           = &Error{Kind: KeyLoad}
	ErrUntrustedHost     = &Error{Kind: UntrustedHost}
	ErrAuth              = &Error{Kind: Auth}
	ErrConnect           = &Error{Kind: Connect}
	ErrContainerCreate   = &Error{Kind: ContainerCreate}
	ErrRemoteExec        = &Error{Kind: RemoteExec}
	ErrCleanup           = &Error{Kind: Cleanup}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// StageOf returns the Stage of the first *Error in err's chain.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
