package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
	"github.com/0xt4cs/EphemeralMail/internal/storage/memory"
)

func TestCleanupScheduler_RunMessageSweep(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	messages := NewMessageService(store, cfg, zap.NewNop())
	sessions := NewSessionManager(store, nil, cfg, nil, zap.NewNop())
	scheduler := NewCleanupScheduler(messages, sessions, cfg, nil, nil, zap.NewNop())

	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "stale", To: "inbox@drop.example",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "fresh", To: "inbox@drop.example",
		CreatedAt: time.Now().UTC(),
	}))

	scheduler.RunMessageSweep()

	_, err := store.GetMessage("stale")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	_, err = store.GetMessage("fresh")
	assert.NoError(t, err)
}

func TestCleanupScheduler_RunSessionSweep(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	messages := NewMessageService(store, cfg, zap.NewNop())
	sessions := NewSessionManager(store, nil, cfg, nil, zap.NewNop())
	scheduler := NewCleanupScheduler(messages, sessions, cfg, nil, nil, zap.NewNop())

	now := time.Now().UTC()
	require.NoError(t, store.SaveSession(&domain.Session{
		ID: "s-old", SessionID: "tok-old", IsActive: true,
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, store.SaveSession(&domain.Session{
		ID: "s-live", SessionID: "tok-live", IsActive: true,
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	scheduler.RunSessionSweep()

	_, err := store.GetSessionByToken("tok-old")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	_, err = store.GetSessionByToken("tok-live")
	assert.NoError(t, err)
}

func TestCleanupAndSessionCountersAdvance(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	metrics := monitoring.NewMetrics()
	messages := NewMessageService(store, cfg, zap.NewNop())
	sessions := NewSessionManager(store, nil, cfg, metrics, zap.NewNop())
	scheduler := NewCleanupScheduler(messages, sessions, cfg, nil, metrics, zap.NewNop())

	_, err := sessions.Resolve(context.Background(), "", "fp-counted", "203.0.113.9", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsCreated))

	now := time.Now().UTC()
	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "stale-counted", To: "inbox@drop.example",
		CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.SaveSession(&domain.Session{
		ID: "s-counted", SessionID: "tok-counted", IsActive: true,
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))

	scheduler.RunMessageSweep()
	scheduler.RunSessionSweep()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsExpired))
}
