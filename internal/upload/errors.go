package upload

import (
	"errors"
	"fmt"
)

// Kind classifies why a session was aborted.
type Kind int

const (
	KindInitiation Kind = iota + 1
	KindURLIssuance
	KindPartTransfer
	KindFinalization
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInitiation:
		return "InitiationError"
	case KindURLIssuance:
		return "UrlIssuanceError"
	case KindPartTransfer:
		return "PartTransferError"
	case KindFinalization:
		return "FinalizationError"
	case KindCanceled:
		return "Canceled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrCanceled is the cause of every KindCanceled error.
var ErrCanceled = errors.New("upload canceled")

// Error is the terminal error of a session. It never concerns more than one file.
type Error struct {
	Kind       Kind
	Key        string
	UploadID   string
	PartNumber int // set for KindPartTransfer
	Err        error
}

func (e *Error) Error() string {
	if e.PartNumber > 0 {
		return fmt.Sprintf("%s: %s part %d: %v", e.Kind, e.Key, e.PartNumber, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a session error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

type partError struct {
	number int
	err    error
}

func (e *partError) Error() string {
	return fmt.Sprintf("part %d: %v", e.number, e.err)
}

func (e *partError) Unwrap() error {
	return e.err
}
