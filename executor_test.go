package weft

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestExecutor builds an Executor from an inline Lua script, mirroring
// the counter-handler end-to-end scenario of spec §8 scenario 6.
func newTestExecutor(t *testing.T, script string, cfg Config) (*Executor, *dispatchChannel) {
	t.Helper()

	vm := NewVM()
	t.Cleanup(vm.Close)

	require.NoError(t, vm.L.DoString(script))

	routesTbl, err := vm.Routes()
	require.NoError(t, err)

	routes, err := BuildRouteTable(routesTbl)
	require.NoError(t, err)

	dispatch := newDispatchChannel(cfg.DispatchChannelSize)
	logger := newLogger(cfg)
	ex := newExecutor(vm, routes, dispatch, logger, cfg)
	return ex, dispatch
}

func TestExecutorSerializesConcurrentCounterIncrements(t *testing.T) {
	script := `
counter = 0
routes = {
	count = {
		GET = function(ctx)
			counter = counter + 1
			return { count = counter }
		end
	}
}
`
	cfg := DefaultConfig()
	cfg.ExecutorBatchSize = 16
	ex, dispatch := newTestExecutor(t, script, cfg)

	go ex.Run()
	t.Cleanup(ex.triggerShutdown)

	const clients = 2
	const perClient = 100

	results := make(chan int, clients*perClient)
	var wg sync.WaitGroup

	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				pr := newPendingRequest(http.MethodGet, "/count", "", http.Header{}, nil, "test")
				require.NoError(t, dispatch.send(context.Background(), pr))
				resp := <-pr.Reply

				var decoded struct {
					Count int `json:"count"`
				}
				require.NoError(t, json.Unmarshal(resp.Body, &decoded))
				results <- decoded.Count
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for v := range results {
		require.False(t, seen[v], "duplicate counter value %d observed", v)
		seen[v] = true
	}
	require.Len(t, seen, clients*perClient)
	for i := 1; i <= clients*perClient; i++ {
		require.True(t, seen[i], "counter value %d missing from observed set", i)
	}
}

func TestExecutorReturns404ForUnknownRoute(t *testing.T) {
	script := `routes = { hello = { GET = function(ctx) return {} end } }`
	ex, dispatch := newTestExecutor(t, script, DefaultConfig())
	go ex.Run()
	t.Cleanup(ex.triggerShutdown)

	pr := newPendingRequest(http.MethodGet, "/nope", "", http.Header{}, nil, "test")
	require.NoError(t, dispatch.send(context.Background(), pr))
	resp := <-pr.Reply
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestExecutorReturns405WhenEnabled(t *testing.T) {
	script := `routes = { hello = { GET = function(ctx) return {} end } }`
	cfg := DefaultConfig()
	cfg.MethodNotAllowedEnabled = true
	ex, dispatch := newTestExecutor(t, script, cfg)
	go ex.Run()
	t.Cleanup(ex.triggerShutdown)

	pr := newPendingRequest(http.MethodPost, "/hello", "", http.Header{}, nil, "test")
	require.NoError(t, dispatch.send(context.Background(), pr))
	resp := <-pr.Reply
	require.Equal(t, http.StatusMethodNotAllowed, resp.Status)
}

func TestExecutorInvokesErrorHandlerOnRaisedError(t *testing.T) {
	script := `
routes = {
	boom = {
		GET = function(ctx)
			error({status = 418, message = "teapot"})
		end
	}
}
`
	ex, dispatch := newTestExecutor(t, script, DefaultConfig())

	vm := ex.vm
	require.NoError(t, vm.L.DoString(`
function on_error(err)
	return api.json:status(err.status, {handled = err.message})
end
`))
	ref, ok := vm.ErrorHandlerRef()
	require.True(t, ok)
	ex.SetErrorHandler(ref)

	go ex.Run()
	t.Cleanup(ex.triggerShutdown)

	pr := newPendingRequest(http.MethodGet, "/boom", "", http.Header{}, nil, "test")
	require.NoError(t, dispatch.send(context.Background(), pr))
	resp := <-pr.Reply
	require.Equal(t, 418, resp.Status)
}

func TestExecutorShutdownDrainsWith503(t *testing.T) {
	script := `routes = { hello = { GET = function(ctx) return {} end } }`
	ex, dispatch := newTestExecutor(t, script, DefaultConfig())
	ex.triggerShutdown()

	go ex.Run()

	pr := newPendingRequest(http.MethodGet, "/hello", "", http.Header{}, nil, "test")
	require.NoError(t, dispatch.send(context.Background(), pr))

	select {
	case resp := <-pr.Reply:
		require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drain reply")
	}

	dispatch.close()
}
