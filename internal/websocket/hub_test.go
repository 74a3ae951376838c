package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(hub *Hub) *Client {
	return &Client{
		ID:        "client-1",
		hub:       hub,
		send:      make(chan []byte, 4),
		addresses: make(map[string]bool),
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub([]string{"*"}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	client := newTestClient(hub)
	require.True(t, hub.registerClient(client))

	assert.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		_, ok := hub.clients[client.ID]
		return ok
	}, time.Second, 10*time.Millisecond)

	hub.unregisterClient(client)

	// 注销后事件循环关闭 send 通道
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-client.send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestHub_LateRegistrationAfterShutdown(t *testing.T) {
	hub := NewHub([]string{"*"}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	cancel()
	<-stopped

	// 停机后迟到的注册被拒绝而不是永久阻塞
	client := newTestClient(hub)
	assert.False(t, hub.registerClient(client))

	// readPump 的延迟注销同样立即返回
	finished := make(chan struct{})
	go func() {
		hub.unregisterClient(client)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("unregister blocked after hub shutdown")
	}
}
