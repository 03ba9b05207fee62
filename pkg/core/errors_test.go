package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	companionmem "github.com/RommanNadeem/companion-memory-go/pkg/core"
)

func TestEngineErrorWrapping(t *testing.T) {
	err := companionmem.NewEngineError("ProcessTurn", companionmem.ErrInvalidInput)
	assert.EqualError(t, err, "companionmem: ProcessTurn: invalid input")
	assert.ErrorIs(t, err, companionmem.ErrInvalidInput)

	var engineErr *companionmem.EngineError
	assert.True(t, errors.As(err, &engineErr))
	assert.Equal(t, "ProcessTurn", engineErr.Op)
}

func TestNewEngineErrorNil(t *testing.T) {
	assert.Nil(t, companionmem.NewEngineError("AnyOp", nil))
}
