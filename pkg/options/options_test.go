package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	assert.Equal(t, "", Join())
	assert.Equal(t, "cache.", Join("cache"))
	assert.Equal(t, "embedding.redis.", Join("embedding", "redis"))
	assert.Equal(t, "chat.", Join("", "chat", ""), "empty prefixes are skipped")
	assert.Equal(t, "cache.redis.", Join("cache.", ".redis"))
}

func TestSection(t *testing.T) {
	assert.Equal(t, "tracing.", Section("tracing"))
	assert.Equal(t, "cache.redis.", Section("redis", "cache"))
	assert.Equal(t, "middleware.cors.", Section("cors", "middleware"))
}

func TestSectionDoesNotMutatePrefixes(t *testing.T) {
	prefixes := make([]string, 1, 4)
	prefixes[0] = "cache"

	a := Section("redis", prefixes...)
	b := Section("tls", prefixes...)
	assert.Equal(t, "cache.redis.", a)
	assert.Equal(t, "cache.tls.", b)
	assert.Equal(t, []string{"cache"}, prefixes)
}
