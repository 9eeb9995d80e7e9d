package weft

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const websocketEchoScript = `
routes = {
	ws = {
		GET = function(ctx)
			local conn = ctx.upgrade()
			conn:write_text("hello from server")
			local _, payload = conn:read()
			conn:write_text("echo: " .. payload)
			conn:close()
		end
	}
}
`

func TestWebSocketUpgradeHandoffEndToEnd(t *testing.T) {
	ts := newTestServer(t, websocketEchoScript, DefaultConfig())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello from server", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", string(msg))
}

func TestCtxUpgradeWithoutLiveConnectionIs500(t *testing.T) {
	script := `
routes = {
	ws = {
		GET = function(ctx)
			ctx.upgrade()
			return {}
		end
	}
}
`
	ex, dispatch := newTestExecutor(t, script, DefaultConfig())
	go ex.Run()
	t.Cleanup(ex.triggerShutdown)

	pr := newPendingRequest(http.MethodGet, "/ws", "", http.Header{}, nil, "test")
	require.NoError(t, dispatch.send(context.Background(), pr))
	resp := <-pr.Reply
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}
