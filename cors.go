package weft

import (
	"net/http"
)

// corsPolicy implements the default CORS response shaping of spec §4.6,
// adapted from the teacher's gases/cors.go origin-whitelist check and
// `Vary: Origin` bookkeeping. Unlike the teacher, which wires CORS as a
// pluggable `Gas` middleware, this is an Encoder-level concern: the base
// spec's Non-goals exclude pluggable middleware graphs, and §4.6 frames
// CORS as something "the encoder ensures" on every response.
type corsPolicy struct {
	origin      string
	methods     string
	headers     string
	credentials bool
}

// newCORSPolicy returns nil when the server config has no cors_origin,
// matching the base spec's framing of CORS as optional.
func newCORSPolicy(cfg Config) *corsPolicy {
	if cfg.CORSOrigin == "" {
		return nil
	}
	return &corsPolicy{
		origin:      cfg.CORSOrigin,
		methods:     cfg.CORSMethods,
		headers:     cfg.CORSHeaders,
		credentials: cfg.CORSCredentials,
	}
}

// applyHeaders adds the configured CORS headers to h, reflecting
// requestOrigin back only when it is allowed (or when the policy is
// configured for "*"). Grounded on the teacher's CORSWithConfig.
func (p *corsPolicy) applyHeaders(h http.Header, requestOrigin string) {
	h.Add("Vary", "Origin")

	allowOrigin := p.origin
	if p.origin != "*" && requestOrigin != "" && requestOrigin != p.origin {
		return
	}
	if p.origin == "*" && requestOrigin != "" {
		allowOrigin = requestOrigin
	}

	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
}

// isPreflight reports whether header describes a CORS preflight request:
// an OPTIONS request carrying Access-Control-Request-Method (spec §4.6,
// §8 "Preflight OPTIONS request with matching CORS config yields 204").
func (p *corsPolicy) isPreflight(header http.Header) bool {
	return header.Get("Access-Control-Request-Method") != ""
}

// preflightResponse builds the short-circuit 204 for a matched preflight
// request; it never reaches a handler (spec §4.6).
func (p *corsPolicy) preflightResponse() *Response {
	return &Response{Status: http.StatusNoContent, Header: http.Header{}, Body: []byte{}}
}
