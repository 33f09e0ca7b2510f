package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropmail/backend/internal/config"
	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/health"
	"dropmail/backend/internal/monitoring"
	"dropmail/backend/internal/service"
	"dropmail/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	store    *memory.Store
	messages *service.MessageService
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Mailbox: config.MailboxConfig{
			Domains:   []string{"example.com", "mail.example.com"},
			Retention: time.Hour,
		},
		HTTP: config.HTTPConfig{RateLimit: rateLimit, RateWindow: 15 * time.Minute},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	logger := zap.NewNop()
	metrics := monitoring.NewMetrics(nil)
	store := memory.NewStore(cfg.Mailbox.Retention)
	messages := service.NewMessageService(store, nil, nil, metrics, logger)

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		MailboxService: service.NewMailboxService(cfg.Mailbox),
		MessageService: messages,
		Health:         health.NewHealthChecker(store, metrics.Registry(), logger),
		Metrics:        metrics,
		Logger:         logger,
	})

	return &testEnv{router: router, store: store, messages: messages}
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.10:40000"
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) deliver(t *testing.T, mailbox, subject string) *domain.Message {
	t.Helper()
	msg, err := e.messages.Deliver(context.Background(), &domain.Message{
		Mailbox: mailbox,
		To:      mailbox + "@example.com",
		From:    "alice@sender.test",
		Subject: subject,
		Text:    "hello",
	})
	require.NoError(t, err)
	return msg
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestRouter_Mailbox(t *testing.T) {
	env := newTestEnv(t, 100)

	t.Run("查询域名", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/domain")
		require.Equal(t, http.StatusOK, rec.Code)

		var data struct {
			Domain  string   `json:"domain"`
			Domains []string `json:"domains"`
		}
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
		assert.Equal(t, "example.com", data.Domain)
		assert.Equal(t, []string{"example.com", "mail.example.com"}, data.Domains)
	})

	t.Run("生成邮箱名", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/generate")
		require.Equal(t, http.StatusOK, rec.Code)

		var data service.GeneratedMailbox
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
		assert.Len(t, data.Mailbox, 12)
		assert.NoError(t, domain.ValidateMailboxName(data.Mailbox))
		assert.Equal(t, data.Mailbox+"@example.com", data.Address)
	})
}

func TestRouter_Inbox(t *testing.T) {
	env := newTestEnv(t, 100)

	t.Run("空邮箱返回空列表", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/inbox/nobody")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", string(decode(t, rec).Data))
	})

	t.Run("非法邮箱名返回400", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/inbox/bad-name")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, MsgInvalidMailbox, decode(t, rec).Msg)
	})

	t.Run("列表按时间倒序且大小写不敏感", func(t *testing.T) {
		env.deliver(t, "alice", "first")
		time.Sleep(2 * time.Millisecond)
		env.deliver(t, "alice", "second")

		rec := env.do(http.MethodGet, "/api/inbox/ALICE")
		require.Equal(t, http.StatusOK, rec.Code)

		var list []domain.MessageSummary
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
		require.Len(t, list, 2)
		assert.Equal(t, "second", list[0].Subject)
		assert.Equal(t, "first", list[1].Subject)
	})

	t.Run("清空邮箱", func(t *testing.T) {
		rec := env.do(http.MethodDelete, "/api/inbox/alice")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"deleted":2}`, string(decode(t, rec).Data))

		rec = env.do(http.MethodDelete, "/api/inbox/alice")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"deleted":0}`, string(decode(t, rec).Data))
	})
}

func TestRouter_Email(t *testing.T) {
	env := newTestEnv(t, 100)
	msg := env.deliver(t, "bob", "hi")

	t.Run("读取后标记已读", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/email/"+msg.ID)
		require.Equal(t, http.StatusOK, rec.Code)

		var got domain.Message
		require.NoError(t, json.Unmarshal(decode(t, rec).Data, &got))
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "hi", got.Subject)
		assert.Equal(t, "hello", got.Text)
		assert.True(t, got.IsRead)
	})

	t.Run("删除邮件", func(t *testing.T) {
		rec := env.do(http.MethodDelete, "/api/email/"+msg.ID)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodGet, "/api/email/"+msg.ID)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, MsgMessageNotFound, decode(t, rec).Msg)

		rec = env.do(http.MethodDelete, "/api/email/"+msg.ID)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("未知ID返回404", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/email/does-not-exist")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouter_RateLimit(t *testing.T) {
	env := newTestEnv(t, 2)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/domain").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/domain").Code)

	rec := env.do(http.MethodGet, "/api/domain")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// 健康检查不受 API 限流影响
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health/live").Code)
}

func TestRouter_Operational(t *testing.T) {
	env := newTestEnv(t, 100)

	t.Run("健康检查", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var report health.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, health.StatusHealthy, report.Status)

		assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health/ready").Code)
	})

	t.Run("指标端点", func(t *testing.T) {
		env.do(http.MethodGet, "/api/domain")
		rec := env.do(http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "http_requests_total")
	})

	t.Run("安全响应头", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/domain")
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("未知路由", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
