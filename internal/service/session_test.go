package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage/memory"
)

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	return NewSessionManager(memory.NewStore(), nil, testConfig(), nil, zap.NewNop())
}

func TestFingerprint_Deterministic(t *testing.T) {
	signals := domain.ClientSignals{
		UserAgent:      "Mozilla/5.0",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip, br",
		IP:             "203.0.113.7",
	}

	first := Fingerprint(signals)
	second := Fingerprint(signals)

	assert.Equal(t, first, second)
	assert.Len(t, first, fingerprintLength)
}

func TestFingerprint_DiffersOnSignalChange(t *testing.T) {
	base := domain.ClientSignals{UserAgent: "ua", AcceptLanguage: "en", AcceptEncoding: "gzip", IP: "198.51.100.1"}

	changed := base
	changed.IP = "198.51.100.2"

	assert.NotEqual(t, Fingerprint(base), Fingerprint(changed))
}

func TestFingerprint_EmptySignals(t *testing.T) {
	// 空信号也要产出合法指纹，确定性不依赖信号是否齐全
	fp := Fingerprint(domain.ClientSignals{})
	assert.Len(t, fp, fingerprintLength)
}

func TestSessionManager_ResolveCreatesSession(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	session, err := manager.Resolve(ctx, "", "fp-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	assert.NotEmpty(t, session.SessionID)
	assert.Len(t, session.SessionID, 64) // 32 字节的十六进制
	assert.Equal(t, "fp-1", session.Fingerprint)
	assert.True(t, session.IsActive)
	assert.True(t, session.ExpiresAt.After(session.CreatedAt))
}

func TestSessionManager_ResolveReusesToken(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	created, err := manager.Resolve(ctx, "", "fp-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	resolved, err := manager.Resolve(ctx, created.SessionID, "fp-1", "203.0.113.8", "test-agent")
	require.NoError(t, err)

	assert.Equal(t, created.SessionID, resolved.SessionID)
	assert.Equal(t, created.ID, resolved.ID)
}

func TestSessionManager_ResolveResumesByFingerprint(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	created, err := manager.Resolve(ctx, "", "fp-sticky", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	// Cookie 被清：没有令牌，仅凭指纹恢复原会话
	resumed, err := manager.Resolve(ctx, "", "fp-sticky", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	assert.Equal(t, created.SessionID, resumed.SessionID)
}

func TestSessionManager_ResolveUnknownTokenCreatesNew(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	session, err := manager.Resolve(ctx, "deadbeef", "fp-fresh", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	assert.NotEqual(t, "deadbeef", session.SessionID)
	assert.Equal(t, "fp-fresh", session.Fingerprint)
}

func TestSessionManager_DistinctFingerprintsDistinctSessions(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	a, err := manager.Resolve(ctx, "", "fp-a", "203.0.113.1", "agent-a")
	require.NoError(t, err)
	b, err := manager.Resolve(ctx, "", "fp-b", "203.0.113.2", "agent-b")
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestSessionManager_Deactivate(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	session, err := manager.Resolve(ctx, "", "fp-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	require.NoError(t, manager.Deactivate(ctx, session.SessionID))

	_, err = manager.Current(ctx, session.SessionID)
	assert.Error(t, err)

	// 幂等
	assert.NoError(t, manager.Deactivate(ctx, session.SessionID))
	assert.NoError(t, manager.Deactivate(ctx, "no-such-token"))
}

func TestSessionManager_Current(t *testing.T) {
	manager := newTestSessionManager(t)
	ctx := context.Background()

	session, err := manager.Resolve(ctx, "", "fp-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	got, err := manager.Current(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = manager.Current(ctx, "")
	assert.Error(t, err)
}
