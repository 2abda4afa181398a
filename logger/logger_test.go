package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, mode := range []string{"production", "development"} {
		l, err := New(mode, "debug")
		require.NoError(t, err, mode)
		require.NotNil(t, l)
		_ = l.Sync()
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("verbose", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging mode")

	_, err = New("production", "chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging level")
}
