package fallback

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kohakuhub/hub/internal/models"
)

func TestShouldRetrySource(t *testing.T) {
	assert.False(t, shouldRetrySource(http.StatusUnauthorized))
	assert.False(t, shouldRetrySource(http.StatusForbidden))
	assert.True(t, shouldRetrySource(http.StatusNotFound))
	assert.True(t, shouldRetrySource(http.StatusInternalServerError))
}

func TestDisabledByRequest(t *testing.T) {
	assert.False(t, DisabledByRequest(url.Values{}))
	assert.False(t, DisabledByRequest(url.Values{"fallback": {"true"}}))
	assert.True(t, DisabledByRequest(url.Values{"fallback": {"false"}}))
	assert.False(t, DisabledByRequest(url.Values{"fallback": {"not-a-bool"}}))
}

func TestCacheGetMissesBeforeSet(t *testing.T) {
	c, err := NewCache(16, time.Minute)
	require.NoError(t, err)

	_, ok := c.get("model", "acme", "widgets")
	assert.False(t, ok)

	c.set("model", "acme", "widgets", cacheEntry{sourceName: "hf-mirror", sourceType: models.SourceHuggingFace})
	entry, ok := c.get("model", "acme", "widgets")
	require.True(t, ok)
	assert.Equal(t, "hf-mirror", entry.sourceName)
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c, err := NewCache(16, time.Millisecond)
	require.NoError(t, err)

	c.set("model", "acme", "widgets", cacheEntry{sourceName: "hf-mirror"})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.get("model", "acme", "widgets")
	assert.False(t, ok)
}

func TestMapURLAppendsLocalPath(t *testing.T) {
	client := newClient(&models.FallbackSource{BaseURL: "https://hf.example.com", Type: models.SourceHuggingFace}, rate.NewLimiter(rate.Inf, 1))
	assert.Equal(t, "https://hf.example.com/models/acme/widgets/resolve/main/config.json",
		client.mapURL("/models/acme/widgets/resolve/main/config.json"))
}

func TestEngineLimiterForIsSharedPerSource(t *testing.T) {
	e := New(nil, nil, true, 5, 10)
	a := e.limiterFor("https://hf.example.com")
	b := e.limiterFor("https://hf.example.com")
	assert.Same(t, a, b)
	c := e.limiterFor("https://other.example.com")
	assert.NotSame(t, a, c)
}
