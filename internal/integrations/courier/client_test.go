package courier

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAPIError_Is(t *testing.T) {
	require.ErrorIs(t, &APIError{StatusCode: 401}, ErrUnauthorized)
	require.ErrorIs(t, &APIError{StatusCode: 403}, ErrUnauthorized)
	require.ErrorIs(t, &APIError{StatusCode: 429}, ErrTransient)
	require.ErrorIs(t, fmt.Errorf("wrapped: %w", &APIError{StatusCode: 502}), ErrTransient)

	err := &APIError{StatusCode: 400, ErrNum: "E1", Message: "bad"}
	require.False(t, errors.Is(err, ErrUnauthorized))
	require.False(t, errors.Is(err, ErrTransient))
	require.Equal(t, "courier http 400 E1: bad", err.Error())
}

func TestLatest(t *testing.T) {
	_, ok := Latest(nil)
	require.False(t, ok)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e, ok := Latest([]StatusEntry{
		{Code: "2", At: t0.Add(time.Hour)},
		{Code: "4", At: t0.Add(3 * time.Hour)},
		{Code: "3", At: t0.Add(2 * time.Hour)},
	})
	require.True(t, ok)
	require.Equal(t, "4", e.Code)

	e, _ = Latest([]StatusEntry{{Code: "a", At: t0}, {Code: "b", At: t0}})
	require.Equal(t, "b", e.Code)
}
