package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive("Authorization"))
	assert.True(t, IsSensitive("COOKIE"))
	assert.True(t, IsSensitive("set-cookie"))
	assert.True(t, IsSensitive("X-Api-Key"))
	assert.True(t, IsSensitive("x-auth-token"))
	assert.True(t, IsSensitive("Authentication"))
	assert.False(t, IsSensitive("Content-Type"))
	assert.False(t, IsSensitive("X-Request-Id"))
}

func TestHeaders(t *testing.T) {
	orig := map[string]string{
		"Authorization": "Bearer secret-token",
		"Cookie":        "session=abc",
		"Content-Type":  "application/json",
	}

	out := Headers(orig)
	assert.Equal(t, Marker, out["Authorization"])
	assert.Equal(t, Marker, out["Cookie"])
	assert.Equal(t, "application/json", out["Content-Type"])

	// 原映射不被修改
	assert.Equal(t, "Bearer secret-token", orig["Authorization"])
	assert.Equal(t, "session=abc", orig["Cookie"])
}

func TestHeadersNil(t *testing.T) {
	assert.Nil(t, Headers(nil))
}
