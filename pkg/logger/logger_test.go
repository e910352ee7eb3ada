package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "verbose", Encoding: "json"})
	assert.Error(t, err)
}

func TestNewLoggerBuilds(t *testing.T) {
	for _, encoding := range []string{"json", "console"} {
		l, err := newLogger(Config{Level: "debug", Encoding: encoding})
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}

func TestGetReturnsStableDefault(t *testing.T) {
	first := Get()
	require.NotNil(t, first)
	assert.Same(t, first, Get())
}
