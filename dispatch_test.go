package weft

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchChannelSendAndReceive(t *testing.T) {
	d := newDispatchChannel(1)
	pr := newPendingRequest(http.MethodGet, "/x", "", http.Header{}, nil, "addr")

	require.NoError(t, d.send(context.Background(), pr))

	got := <-d.ch
	assert.Same(t, pr, got)
}

func TestDispatchChannelSendBlocksUntilCapacityOrTimeout(t *testing.T) {
	d := newDispatchChannel(1)
	require.NoError(t, d.send(context.Background(), newPendingRequest(http.MethodGet, "/a", "", http.Header{}, nil, "")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.send(ctx, newPendingRequest(http.MethodGet, "/b", "", http.Header{}, nil, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchChannelDefaultCapacity(t *testing.T) {
	d := newDispatchChannel(0)
	assert.Equal(t, 1024, cap(d.ch))
}

func TestDispatchChannelCloseDrainsThenStops(t *testing.T) {
	d := newDispatchChannel(2)
	require.NoError(t, d.send(context.Background(), newPendingRequest(http.MethodGet, "/a", "", http.Header{}, nil, "")))
	d.close()

	_, ok := <-d.ch
	assert.True(t, ok, "already-buffered item should still be received after close")

	_, ok = <-d.ch
	assert.False(t, ok, "channel should report closed once drained")
}

func TestPendingRequestReplyIsSingleUseBuffered(t *testing.T) {
	pr := newPendingRequest(http.MethodPost, "/y", "q=1", http.Header{"X-A": []string{"1"}}, []byte("body"), "1.2.3.4")

	resp := &Response{Status: 200}
	select {
	case pr.Reply <- resp:
	default:
		t.Fatal("reply slot should accept one buffered send without a receiver")
	}

	select {
	case got := <-pr.Reply:
		assert.Same(t, resp, got)
	default:
		t.Fatal("expected buffered reply to be receivable")
	}
}
