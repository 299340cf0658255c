package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProductionLogger(t *testing.T) {
	log, sync, err := New(false)
	require.NoError(t, err)
	defer sync()

	assert.False(t, log.GetSink() == nil)
	named := log.WithName("test")
	named.Info("hello from production logger")
}

func TestNewDevelopmentLogger(t *testing.T) {
	log, sync, err := New(true)
	require.NoError(t, err)
	defer sync()

	assert.False(t, log.GetSink() == nil)
}
