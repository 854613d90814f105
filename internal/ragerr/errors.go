// Package ragerr defines the error kinds shared by the ingestion and
// question-answering pipeline.
package ragerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrParse        = errors.New("parse error")
	ErrSegmentation = errors.New("segmentation error")
	ErrEmbedding    = errors.New("embedding error")
	ErrIndex        = errors.New("index error")
	ErrNotFound     = errors.New("not found")
	ErrGeneration   = errors.New("generation error")
	ErrTimeout      = errors.New("timeout")
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch is an embedding error: errors.Is reports true for
	// both ErrDimensionMismatch and ErrEmbedding.
	ErrDimensionMismatch = fmt.Errorf("%w: dimension mismatch", ErrEmbedding)
)

// Error attaches the pipeline stage and document to a failure so operators
// can diagnose it without re-deriving state.
type Error struct {
	Kind       error
	Stage      string
	DocumentID string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Stage
	if e.DocumentID != "" {
		msg += ": document " + e.DocumentID
	}
	switch {
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	case e.Kind != nil:
		msg += ": " + e.Kind.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Wrap returns an *Error of the given kind. A nil err yields nil.
func Wrap(kind error, stage, documentID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, DocumentID: documentID, Err: err}
}

// Kind reports the first taxonomy sentinel that err matches, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrTimeout, ErrNotFound, ErrInvalidInput, ErrParse, ErrSegmentation,
		ErrDimensionMismatch, ErrEmbedding, ErrIndex, ErrGeneration,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// FromContext converts context expiry or cancellation into ErrTimeout and
// returns any other error unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// IsContextErr reports whether err stems from an expired or cancelled context.
func IsContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrTimeout)
}
