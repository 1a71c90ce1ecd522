package migration

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// Validation: the proposed or live drive mapping is inconsistent.
	Validation ErrorKind = iota + 1
	// Disconnection: a drive in the active replacement disappeared.
	Disconnection
	// Mutation: a replace/detach/autoexpand call failed.
	Mutation
	// RollbackFailure: undoing a stage failed. Only ever logged.
	RollbackFailure
)

func (k ErrorKind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Disconnection:
		return "disconnection"
	case Mutation:
		return "mutation"
	case RollbackFailure:
		return "rollback"
	default:
		return "unknown"
	}
}

var (
	ErrNoDrives             = errors.New("no drives given")
	ErrDuplicateDrive       = errors.New("drive listed more than once")
	ErrCountMismatch        = errors.New("unprocessed source and destination counts differ")
	ErrNotAttached          = errors.New("drive not attached")
	ErrUnknownCapacity      = errors.New("drive capacity unknown")
	ErrInsufficientCapacity = errors.New("destination smaller than source")
	ErrDriveDisconnected    = errors.New("drive disconnected during replacement")
)

type Error struct {
	Kind  ErrorKind
	Op    string
	Drive DriveID
	Err   error
}

func (e *Error) Error() string {
	s := e.Kind.String() + " error"
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Drive != "" {
		s += fmt.Sprintf(" (%s)", e.Drive)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return 0, false
}

func IsKind(err error, k ErrorKind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

func validationErr(drive DriveID, err error) error {
	return &Error{Kind: Validation, Op: "validate", Drive: drive, Err: err}
}
