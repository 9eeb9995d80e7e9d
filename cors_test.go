package weft

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCORSPolicyNilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, newCORSPolicy(DefaultConfig()))
}

func TestCORSPolicyAppliesWildcardOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "*"
	p := newCORSPolicy(cfg)
	require.NotNil(t, p)

	h := http.Header{}
	p.applyHeaders(h, "https://example.com")
	assert.Equal(t, "https://example.com", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", h.Get("Vary"))
}

func TestCORSPolicyRejectsDisallowedOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "https://allowed.example"
	p := newCORSPolicy(cfg)

	h := http.Header{}
	p.applyHeaders(h, "https://evil.example")
	assert.Empty(t, h.Get("Access-Control-Allow-Origin"))
}

func TestCORSPolicyAllowsMatchingOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "https://allowed.example"
	cfg.CORSCredentials = true
	cfg.CORSMethods = "GET,POST"
	p := newCORSPolicy(cfg)

	h := http.Header{}
	p.applyHeaders(h, "https://allowed.example")
	assert.Equal(t, "https://allowed.example", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "GET,POST", h.Get("Access-Control-Allow-Methods"))
}

func TestCORSPolicyIsPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "*"
	p := newCORSPolicy(cfg)

	h := http.Header{}
	assert.False(t, p.isPreflight(h))

	h.Set("Access-Control-Request-Method", "POST")
	assert.True(t, p.isPreflight(h))
}

func TestCORSPolicyPreflightResponseIs204(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "*"
	p := newCORSPolicy(cfg)

	resp := p.preflightResponse()
	assert.Equal(t, http.StatusNoContent, resp.Status)
}
