package weft

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a fully wired Server from an inline Lua script and
// starts its Executor Loop, returning an httptest.Server fronting it. This
// exercises the full spec §2 data flow end to end: Acceptor → Connection
// Task → Dispatch Channel → Executor Loop → reply slot → Connection Task.
func newTestServer(t *testing.T, script string, cfg Config) *httptest.Server {
	t.Helper()

	vm := NewVM()
	t.Cleanup(vm.Close)
	require.NoError(t, vm.L.DoString(script))

	routesTbl, err := vm.Routes()
	require.NoError(t, err)
	routes, err := BuildRouteTable(routesTbl)
	require.NoError(t, err)

	srv := New(cfg, vm, routes)
	if ref, ok := vm.ErrorHandlerRef(); ok {
		srv.SetErrorHandler(ref)
	}

	go srv.executor.Run()
	t.Cleanup(func() {
		srv.executor.triggerShutdown()
		srv.dispatch.close()
	})

	ts := httptest.NewServer(http.HandlerFunc(srv.serveHTTP))
	t.Cleanup(ts.Close)
	return ts
}

const endToEndScript = `
routes = {
	hello = {
		GET = function(ctx)
			return api.json({ message = "hi" })
		end
	},
	users = {
		p_id = {
			GET = function(ctx)
				return api.json({ id = ctx.params().id })
			end
		}
	},
	signup = {
		POST = function(ctx)
			local body = ctx.body():expect({
				name = { type = "string", required = true },
			})
			return api.json:status(201, { name = body.name })
		end
	}
}
`

func TestEndToEndSimpleGET(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	resp, err := http.Get(ts.URL + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "hi", decoded["message"])
}

func TestEndToEndPathParam(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	resp, err := http.Get(ts.URL + "/users/42")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var decoded map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "42", decoded["id"])
}

func TestEndToEndUnknownRouteIs404(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndToEndBodyValidationFailureIs400(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	resp, err := http.Post(ts.URL+"/signup", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndToEndBodyValidationSuccessIs201(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	resp, err := http.Post(ts.URL+"/signup", "application/json", bytes.NewBufferString(`{"name":"Alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestEndToEndOversizeBodyIs413(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BodySizeLimit = 8
	ts := newTestServer(t, endToEndScript, cfg)

	resp, err := http.Post(ts.URL+"/signup", "application/json", bytes.NewBufferString(`{"name":"a very long name indeed"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestEndToEndKeepAliveAcrossRequestsOnOneConnection(t *testing.T) {
	ts := newTestServer(t, endToEndScript, DefaultConfig())

	client := ts.Client()
	resp1, err := client.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp1.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp1.StatusCode)

	resp2, err := client.Get(ts.URL + "/hello")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestEndToEndCORSPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigin = "*"
	cfg.CORSMethods = "GET,POST"
	ts := newTestServer(t, endToEndScript, cfg)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/hello", nil)
	require.NoError(t, err)
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Origin", "https://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func writeTestScript(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.lua")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	return path
}

func TestLoadDocsHTMLReadsConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.html")
	require.NoError(t, os.WriteFile(path, []byte("<html>docs</html>"), 0o644))

	cfg := DefaultConfig()
	cfg.DocsHTMLFile = path

	html, err := loadDocsHTML(cfg)
	require.NoError(t, err)
	assert.Equal(t, "<html>docs</html>", html)
}

func TestLoadDocsHTMLMissingFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DocsHTMLFile = "/nonexistent/docs.html"

	_, err := loadDocsHTML(cfg)
	assert.Error(t, err)
}

// TestRunFailsStartupWhenDocsHTMLFileMissing exercises Run's docs-file
// wiring (spec §6 "Docs endpoint") on its error path: Run must fail
// startup (exit code 1) rather than silently launching with a permanently
// 404 docs endpoint when Config.DocsHTMLFile names a file that does not
// exist. The success path (docs actually served) is exercised indirectly
// via loadDocsHTML plus docs_test.go's docsCache coverage, since driving
// Run's own success path end-to-end would require sending the process a
// real OS signal to unblock it.
func TestRunFailsStartupWhenDocsHTMLFileMissing(t *testing.T) {
	scriptPath := writeTestScript(t, `routes = { hello = { GET = function(ctx) return {} end } }`)

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Docs = true
	cfg.DocsHTMLFile = "/nonexistent/docs.html"

	code := Run(cfg, scriptPath)
	assert.Equal(t, 1, code)
}
