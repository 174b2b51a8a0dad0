package dbuserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFold_PreservesErrorsIsMatching(t *testing.T) {
	wrapped := Fold(ErrCorruptData)
	require.True(t, errors.Is(wrapped, ErrCorruptData))
	require.Equal(t, ErrCorruptData.Error(), wrapped.Error())
}

func TestFold_Nil(t *testing.T) {
	require.NoError(t, Fold(nil))
}

func TestTrace_ReturnsSameError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrInvalidMessage)
	require.Same(t, err, Trace(err))
}

func TestFold_ChainsWithFmtErrorf(t *testing.T) {
	err := fmt.Errorf("context: %w", Fold(ErrConnectionReset))
	require.True(t, errors.Is(err, ErrConnectionReset))
}
