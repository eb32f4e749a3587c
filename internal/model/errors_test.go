package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageWrapsOnce(t *testing.T) {
	base := errors.New("exit status 1")
	err := Stage("inpaint", base)

	var se *StageError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "inpaint", se.Stage)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "inpaint stage failed: exit status 1", err.Error())

	assert.Same(t, err, Stage("pipeline", err))
	assert.NoError(t, Stage("mask", nil))
}

func TestCheckShape(t *testing.T) {
	out := Output{Shape: []int64{1, 8}, Data: make([]float32, 8)}
	assert.NoError(t, CheckShape("logits", out, 1, 8))
	assert.NoError(t, CheckShape("logits", out, 1, -1))
	assert.ErrorIs(t, CheckShape("logits", out, 1, 7), ErrInvalidOutput)
	assert.ErrorIs(t, CheckShape("logits", out, 8), ErrInvalidOutput)

	short := Output{Shape: []int64{1, 8}, Data: make([]float32, 3)}
	assert.ErrorIs(t, CheckShape("logits", short, 1, 8), ErrInvalidOutput)
}
