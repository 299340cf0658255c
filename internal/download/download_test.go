package download

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func TestTimeBucketGroupsWithinWindow(t *testing.T) {
	s := New(nil, Config{TimeBucketSeconds: 1800}, logr.Discard())

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	sameWindow := base.Add(10 * time.Minute)
	nextWindow := base.Add(31 * time.Minute)

	assert.Equal(t, s.TimeBucket(base), s.TimeBucket(sameWindow))
	assert.NotEqual(t, s.TimeBucket(base), s.TimeBucket(nextWindow))
}

func TestNewSessionIDIsUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
