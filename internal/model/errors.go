package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidImage means the upload could not be decoded.
	ErrInvalidImage = errors.New("invalid image")
	// ErrInvalidOutput means a network returned a tensor of the wrong size or
	// with non-finite values.
	ErrInvalidOutput = errors.New("invalid model output")
	ErrBusy          = errors.New("inference capacity exhausted")
)

// StageError tags a failure with the pipeline stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage wraps err as a StageError, leaving nil and already tagged errors alone.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// CheckShape verifies that out has exactly the given shape and that the data
// length agrees with it.
func CheckShape(name string, out Output, shape ...int64) error {
	if len(out.Shape) != len(shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrInvalidOutput, name, out.Shape, shape)
	}
	n := int64(1)
	for i, d := range shape {
		if d >= 0 && out.Shape[i] != d {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrInvalidOutput, name, out.Shape, shape)
		}
		n *= out.Shape[i]
	}
	if int64(len(out.Data)) != n {
		return fmt.Errorf("%w: %s holds %d values for shape %v", ErrInvalidOutput, name, len(out.Data), out.Shape)
	}
	return nil
}
