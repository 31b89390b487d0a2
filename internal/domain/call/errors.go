package call

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindConnection            ErrorKind = "ConnectionError"
	KindMediaAccess           ErrorKind = "MediaAccessError"
	KindScreenShare           ErrorKind = "ScreenShareError"
	KindNegotiation           ErrorKind = "NegotiationError"
	KindPeerConnectionFailure ErrorKind = "PeerConnectionFailure"
	KindCallRejected          ErrorKind = "CallRejected"
	KindSetupTimeout          ErrorKind = "SetupTimeout"
)

// Error ошибка звонка с видом, по которому UI решает как ее показывать
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal ошибки, после которых звонок принудительно завершается
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindMediaAccess, KindPeerConnectionFailure, KindSetupTimeout, KindConnection:
		return true
	}

	return false
}

// DismissAfter сколько UI держит сообщение об ошибке
func (e *Error) DismissAfter() time.Duration {
	if e.Kind == KindCallRejected {
		return 3 * time.Second
	}

	return 5 * time.Second
}

// KindOf вид ошибки звонка или пустая строка
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	return ""
}
