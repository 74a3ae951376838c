package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/middleware"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage/memory"
)

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T, adminKeyHash string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Mail: config.MailConfig{
			Domain:        "drop.example",
			Retention:     24 * time.Hour,
			MaxPerAddress: 50,
		},
		Session: config.SessionConfig{Duration: 24 * time.Hour},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"*"}},
		Admin:   config.AdminConfig{APIKeyHash: adminKeyHash},
	}

	store := memory.NewStore()
	log := zap.NewNop()
	registry := service.NewAddressRegistry(store, cfg, log)
	messages := service.NewMessageService(store, cfg, log)
	sessions := service.NewSessionManager(store, nil, cfg, nil, log)
	blacklist := service.NewBlacklistService(store, log)
	admin := service.NewAdminService(store)
	cleanup := service.NewCleanupScheduler(messages, sessions, cfg, nil, nil, log)

	router := NewRouter(RouterDependencies{
		Config:           cfg,
		AddressRegistry:  registry,
		MessageService:   messages,
		SessionManager:   sessions,
		BlacklistService: blacklist,
		AdminService:     admin,
		CleanupScheduler: cleanup,
		Logger:           log,
	})
	return &testEnv{router: router, store: store, cfg: cfg}
}

// do 发起请求；cookie 非空时携带会话 Cookie。
// 客户端信号固定，同一 "浏览器" 在不同请求间得到同一指纹。
func (e *testEnv) do(method, path, body, cookie string) *httptest.ResponseRecorder {
	return e.doAs(method, path, body, cookie, "test-agent")
}

// doAs 以指定 User-Agent 发起请求，用于模拟另一个浏览器身份。
func (e *testEnv) doAs(method, path, body, cookie, userAgent string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: cookie})
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "zh-CN")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c.Value
		}
	}
	t.Fatal("no session cookie in response")
	return ""
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Code int                    `json:"code"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func TestCreateAddress_Random(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/addresses", "", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, false, data["claimed"])
	address := data["address"].(map[string]interface{})
	assert.True(t, strings.HasSuffix(address["address"].(string), "@drop.example"))
	assert.NotEmpty(t, sessionCookie(t, rec))
}

func TestCreateAddress_CustomAndClaim(t *testing.T) {
	env := newTestEnv(t, "")

	first := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"myinbox"}`, "")
	require.Equal(t, http.StatusCreated, first.Code)
	firstCookie := sessionCookie(t, first)

	// 第二个身份（不同浏览器信号）认领同名前缀：200 + claimed=true
	second := env.doAs(http.MethodPost, "/v1/addresses", `{"prefix":"myinbox"}`, "", "other-agent")
	require.Equal(t, http.StatusOK, second.Code)
	data := decodeData(t, second)
	assert.Equal(t, true, data["claimed"])
	secondCookie := sessionCookie(t, second)

	// 新持有者可读
	rec := env.doAs(http.MethodGet, "/v1/addresses/myinbox@drop.example", "", secondCookie, "other-agent")
	assert.Equal(t, http.StatusOK, rec.Code)

	// 原持有者被挤出
	rec = env.do(http.MethodGet, "/v1/addresses/myinbox@drop.example", "", firstCookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAddress_InvalidPrefix(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"bad prefix!"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailability(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/v1/addresses/availability?address=free@drop.example", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeData(t, rec)["available"])

	create := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"free"}`, "")
	require.Equal(t, http.StatusCreated, create.Code)

	rec = env.do(http.MethodGet, "/v1/addresses/availability?address=free@drop.example", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeData(t, rec)["available"])

	rec = env.do(http.MethodGet, "/v1/addresses/availability?address=not-an-address", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, "")

	create := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"private"}`, "")
	require.Equal(t, http.StatusCreated, create.Code)
	owner := sessionCookie(t, create)

	seedMessage(t, env, "private@drop.example", "m-1")

	// 持有者可读
	rec := env.do(http.MethodGet, "/v1/addresses/private@drop.example/messages", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)

	// 陌生身份（不同指纹 + 新会话）被拒
	req := httptest.NewRequest(http.MethodGet, "/v1/addresses/private@drop.example/messages", nil)
	req.Header.Set("User-Agent", "stranger-agent")
	req.Header.Set("Accept-Language", "en-US")
	stranger := httptest.NewRecorder()
	env.router.ServeHTTP(stranger, req)
	assert.Equal(t, http.StatusForbidden, stranger.Code)
}

func TestGetMessage_MarksRead(t *testing.T) {
	env := newTestEnv(t, "")

	create := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"reader"}`, "")
	owner := sessionCookie(t, create)
	seedMessage(t, env, "reader@drop.example", "m-read")

	rec := env.do(http.MethodGet, "/v1/messages/m-read", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.store.GetMessage("m-read")
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
}

func TestDeleteMessage_RequiresSession(t *testing.T) {
	env := newTestEnv(t, "")

	create := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"deleter"}`, "")
	owner := sessionCookie(t, create)
	seedMessage(t, env, "deleter@drop.example", "m-del")

	// 陌生身份（不同信号，新会话）拿不到写权限
	rec := env.doAs(http.MethodDelete, "/v1/messages/m-del", "", "", "stranger-agent")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/messages/m-del", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/messages/m-del", "", owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeAddress(t *testing.T) {
	env := newTestEnv(t, "")

	create := env.do(http.MethodPost, "/v1/addresses", `{"prefix":"purge"}`, "")
	owner := sessionCookie(t, create)
	seedMessage(t, env, "purge@drop.example", "p-1")
	seedMessage(t, env, "purge@drop.example", "p-2")

	rec := env.do(http.MethodDelete, "/v1/addresses/purge@drop.example/messages", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeData(t, rec)["deletedCount"])

	// 地址行已注销
	_, err := env.store.GetAddress("purge@drop.example")
	assert.Error(t, err)
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/v1/session", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)
	data := decodeData(t, rec)
	assert.NotEmpty(t, data["id"])
	// 令牌不回显
	_, hasToken := data["sessionId"]
	assert.False(t, hasToken)

	logout := env.do(http.MethodPost, "/v1/session/logout", "", cookie)
	require.Equal(t, http.StatusOK, logout.Code)
}

func TestAdmin_RequiresKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, string(hash))

	// 无密钥
	rec := env.do(http.MethodGet, "/v1/admin/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 错误密钥
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(middleware.HeaderAdminKey, "wrong")
	bad := httptest.NewRecorder()
	env.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusForbidden, bad.Code)

	// 正确密钥
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(middleware.HeaderAdminKey, "topsecret")
	good := httptest.NewRecorder()
	env.router.ServeHTTP(good, req)
	assert.Equal(t, http.StatusOK, good.Code)
}

func TestAdmin_DisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/v1/admin/stats", "", "")
	// 管理端未配置时对外不可见
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_BlacklistCRUD(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, string(hash))

	adminDo := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		req.Header.Set("User-Agent", "test-agent")
		req.Header.Set(middleware.HeaderAdminKey, "topsecret")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := adminDo(http.MethodPost, "/v1/admin/blacklist", `{"domain":"spam.example","reason":"abuse"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = adminDo(http.MethodGet, "/v1/admin/blacklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeData(t, rec)["total"])

	rec = adminDo(http.MethodDelete, "/v1/admin/blacklist/spam.example", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminDo(http.MethodDelete, "/v1/admin/blacklist/spam.example", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedMessage(t *testing.T, env *testEnv, address, id string) {
	t.Helper()
	require.NoError(t, env.store.SaveMessage(&domain.Message{
		ID:        id,
		To:        address,
		From:      fmt.Sprintf("sender-%s@remote.example", id),
		Subject:   "seeded",
		CreatedAt: time.Now().UTC(),
	}))
}
