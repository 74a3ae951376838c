package smtp

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage/memory"
)

const testMessage = "From: sender@remote.example\r\n" +
	"To: inbox@drop.example\r\n" +
	"Subject: hello\r\n" +
	"Message-Id: <abc123@remote.example>\r\n" +
	"\r\n" +
	"plain text body\r\n"

func smtpTestConfig() *config.Config {
	return &config.Config{
		SMTP: config.SMTPConfig{
			MaxMessageSize: 1024,
			MaxRecipients:  5,
			MaxConnections: 10,
			MaxConnRate:    10,
		},
		Mail: config.MailConfig{
			Domain:        "drop.example",
			Retention:     24 * time.Hour,
			MaxPerAddress: 3,
		},
	}
}

func newTestBackend(t *testing.T) (*Backend, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	cfg := smtpTestConfig()
	registry := service.NewAddressRegistry(store, cfg, zap.NewNop())
	blacklist := service.NewBlacklistService(store, zap.NewNop())
	backend := NewBackend(registry, blacklist, store, nil, nil, cfg, zap.NewNop())
	return backend, store
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	return smtpErr.Code
}

func TestSession_DeliverSingleRecipient(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("inbox@drop.example", nil))
	require.NoError(t, sess.Data(strings.NewReader(testMessage)))

	messages, total, err := store.ListMessages(domain.MessageListQuery{Address: "inbox@drop.example", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	msg := messages[0]
	assert.Equal(t, "hello", msg.Subject)
	assert.Equal(t, "sender@remote.example", msg.From)
	assert.Equal(t, "abc123@remote.example", msg.MessageID)
	assert.Contains(t, msg.TextBody, "plain text body")
	assert.False(t, msg.IsRead)

	// 未认领地址在投递时自动建档
	row, err := store.GetAddress("inbox@drop.example")
	require.NoError(t, err)
	assert.Equal(t, domain.OwnerUnclaimed, row.OwnerSessionID)
	assert.Equal(t, 1, row.MessageCount)
}

func TestSession_MultiRecipientGetsCopies(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("one@drop.example", nil))
	require.NoError(t, sess.Rcpt("two@drop.example", nil))
	require.NoError(t, sess.Data(strings.NewReader(testMessage)))

	one, _, err := store.ListMessages(domain.MessageListQuery{Address: "one@drop.example", Page: 1, PageSize: 10})
	require.NoError(t, err)
	two, _, err := store.ListMessages(domain.MessageListQuery{Address: "two@drop.example", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Len(t, two, 1)

	// 独立副本：删除一份不影响另一份
	assert.NotEqual(t, one[0].ID, two[0].ID)
	require.NoError(t, store.DeleteMessage(one[0].ID))
	_, err = store.GetMessage(two[0].ID)
	assert.NoError(t, err)
}

func TestSession_GeneratesMessageIDWhenAbsent(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	raw := "From: sender@remote.example\r\n" +
		"To: inbox@drop.example\r\n" +
		"Subject: no id header\r\n" +
		"\r\n" +
		"plain text body\r\n"

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("inbox@drop.example", nil))
	require.NoError(t, sess.Data(strings.NewReader(raw)))

	messages, _, err := store.ListMessages(domain.MessageListQuery{Address: "inbox@drop.example", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// 无 Message-Id 头的邮件也必须有非空 id，补全值落在本服务域下
	require.NotEmpty(t, messages[0].MessageID)
	assert.True(t, strings.HasSuffix(messages[0].MessageID, "@drop.example"))
}

// flakyMessageStore 在第 failAfter+1 次写入时开始失败。
type flakyMessageStore struct {
	*memory.Store
	failAfter int
	saves     int
}

func (f *flakyMessageStore) SaveMessage(m *domain.Message) error {
	f.saves++
	if f.saves > f.failAfter {
		return errors.New("disk full")
	}
	return f.Store.SaveMessage(m)
}

func TestSession_PartialPersistFailureRollsBack(t *testing.T) {
	store := memory.NewStore()
	cfg := smtpTestConfig()
	registry := service.NewAddressRegistry(store, cfg, zap.NewNop())
	blacklist := service.NewBlacklistService(store, zap.NewNop())
	flaky := &flakyMessageStore{Store: store, failAfter: 1}
	backend := NewBackend(registry, blacklist, flaky, nil, nil, cfg, zap.NewNop())

	sess := &session{backend: backend}
	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("one@drop.example", nil))
	require.NoError(t, sess.Rcpt("two@drop.example", nil))

	err := sess.Data(strings.NewReader(testMessage))
	assert.Equal(t, 451, smtpCode(t, err))

	// 第二个收件人落库失败时第一个收件人的副本被回滚，重投不会产生重复
	for _, addr := range []string{"one@drop.example", "two@drop.example"} {
		count, err := store.CountMessages(addr)
		require.NoError(t, err)
		assert.Zero(t, count, addr)
		_, err = store.GetAddress(addr)
		assert.Error(t, err, addr)
	}
}

func TestSession_RejectEmptySender(t *testing.T) {
	backend, _ := newTestBackend(t)
	sess := &session{backend: backend}

	err := sess.Mail("", nil)
	assert.Equal(t, 501, smtpCode(t, err))

	err = sess.Mail("<>", nil)
	assert.Equal(t, 501, smtpCode(t, err))
}

func TestSession_RejectBlacklistedSender(t *testing.T) {
	backend, store := newTestBackend(t)
	require.NoError(t, store.SaveBlacklistedDomain(&domain.BlacklistedDomain{
		Domain: "spam.example", CreatedAt: time.Now().UTC(),
	}))

	sess := &session{backend: backend}
	err := sess.Mail("bulk@spam.example", nil)
	assert.Equal(t, 550, smtpCode(t, err))
}

func TestSession_RejectForeignDomain(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	err := sess.Rcpt("victim@other.example", nil)
	assert.Equal(t, 550, smtpCode(t, err))

	// 被拒的投递不留任何数据
	_, err = store.GetAddress("victim@other.example")
	assert.Error(t, err)
}

func TestSession_RejectInvalidRecipient(t *testing.T) {
	backend, _ := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	err := sess.Rcpt("not-an-address", nil)
	assert.Equal(t, 501, smtpCode(t, err))
}

func TestSession_RejectOverQuota(t *testing.T) {
	backend, store := newTestBackend(t)

	// MaxPerAddress = 3，预先填满
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveMessage(&domain.Message{
			ID: fmt.Sprintf("pre-%d", i), To: "full@drop.example", CreatedAt: time.Now().UTC(),
		}))
	}

	sess := &session{backend: backend}
	require.NoError(t, sess.Mail("sender@remote.example", nil))
	err := sess.Rcpt("full@drop.example", nil)
	assert.Equal(t, 452, smtpCode(t, err))

	count, err := store.CountMessages("full@drop.example")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSession_RejectOversizeMessage(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("inbox@drop.example", nil))

	// MaxMessageSize = 1024
	huge := testMessage + strings.Repeat("x", 2048)
	err := sess.Data(strings.NewReader(huge))
	assert.Equal(t, 552, smtpCode(t, err))

	count, err := store.CountMessages("inbox@drop.example")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSession_ParseFailureLeavesNothing(t *testing.T) {
	backend, store := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("inbox@drop.example", nil))

	broken := "Content-Type: multipart/mixed\r\n\r\nno boundary here\r\n"
	err := sess.Data(strings.NewReader(broken))
	// 临时错误，发件方可重试
	assert.Equal(t, 451, smtpCode(t, err))

	count, err := store.CountMessages("inbox@drop.example")
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = store.GetAddress("inbox@drop.example")
	assert.Error(t, err)
}

func TestSession_Reset(t *testing.T) {
	backend, _ := newTestBackend(t)
	sess := &session{backend: backend}

	require.NoError(t, sess.Mail("sender@remote.example", nil))
	require.NoError(t, sess.Rcpt("inbox@drop.example", nil))
	sess.Reset()

	assert.Empty(t, sess.fromAddress)
	assert.Empty(t, sess.recipients)
}

func TestConnectionLimiter(t *testing.T) {
	limiter := NewConnectionLimiter(2, 100)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.False(t, limiter.Acquire())

	limiter.Release()
	assert.True(t, limiter.Acquire())
	assert.Equal(t, 2, limiter.Current())
}
