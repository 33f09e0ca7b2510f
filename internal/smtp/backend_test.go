package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"dropmail/backend/internal/config"
	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/monitoring"
)

// fakeDeliverer 记录投递的邮件
type fakeDeliverer struct {
	mu       sync.Mutex
	messages []*domain.Message
	err      error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	stored := msg.Clone()
	stored.ID = "id-" + msg.Mailbox
	f.messages = append(f.messages, stored)
	return stored, nil
}

func (f *fakeDeliverer) stored() []*domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Message(nil), f.messages...)
}

func newTestSession(t *testing.T, d Deliverer, cfg BackendConfig) *session {
	t.Helper()
	b := NewBackend(d, cfg, monitoring.NewMetrics(nil), zaptest.NewLogger(t))
	return &session{backend: b, state: StateConnected, logger: b.logger}
}

const sampleMessage = "From: sender@example.com\r\nTo: abc@dropmail.test\r\nSubject: Hi\r\n\r\nHello\r\n"

func TestSession_StateMachine(t *testing.T) {
	t.Run("成功投递", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})

		require.NoError(t, s.Mail("Sender@Example.com", nil))
		assert.Equal(t, StateSenderSet, s.state)
		require.NoError(t, s.Rcpt("ABC@dropmail.test", nil))
		assert.Equal(t, StateRecipientSet, s.state)
		require.NoError(t, s.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, StatePersisted, s.state)

		stored := d.stored()
		require.Len(t, stored, 1)
		assert.Equal(t, "abc", stored[0].Mailbox)
		assert.Equal(t, "abc@dropmail.test", stored[0].To)
		assert.Equal(t, "sender@example.com", stored[0].From)
		assert.Equal(t, "Hi", stored[0].Subject)

		s.Reset()
		assert.Equal(t, StateGreeted, s.state)
		require.NoError(t, s.Logout())
		assert.Equal(t, StateClosed, s.state)
	})

	t.Run("MAIL FROM以最后一次为准", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})

		require.NoError(t, s.Mail("first@example.com", nil))
		require.NoError(t, s.Mail("second@example.com", nil))
		assert.Equal(t, "second@example.com", s.from)
	})

	t.Run("头部缺少发件人时使用信封地址", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})

		require.NoError(t, s.Mail("envelope@example.com", nil))
		require.NoError(t, s.Rcpt("abc@dropmail.test", nil))
		require.NoError(t, s.Data(strings.NewReader("Subject: x\r\n\r\nbody\r\n")))

		require.Len(t, d.stored(), 1)
		assert.Equal(t, "envelope@example.com", d.stored()[0].From)
	})

	t.Run("非法收件人", func(t *testing.T) {
		for _, rcpt := range []string{"@dropmail.test", "a.b@dropmail.test", "bad-name@dropmail.test", "<>"} {
			s := newTestSession(t, &fakeDeliverer{}, BackendConfig{})
			require.NoError(t, s.Mail("a@b.c", nil))

			err := s.Rcpt(rcpt, nil)
			assert.Equal(t, ErrInvalidRecipient, err, rcpt)
			assert.Equal(t, StateRejected, s.state)
			assert.Empty(t, s.recipients)
		}
	})

	t.Run("拒绝后会话仍可继续", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.Error(t, s.Rcpt("no_good@x", nil))
		require.NoError(t, s.Rcpt("good@x", nil))
		require.NoError(t, s.Data(strings.NewReader(sampleMessage)))
		assert.Len(t, d.stored(), 1)
	})

	t.Run("多个收件人各自一份", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("one@dropmail.test", nil))
		require.NoError(t, s.Rcpt("two@dropmail.test", nil))
		require.NoError(t, s.Data(strings.NewReader(sampleMessage)))

		stored := d.stored()
		require.Len(t, stored, 2)
		assert.Equal(t, "one", stored[0].Mailbox)
		assert.Equal(t, "two", stored[1].Mailbox)
	})

	t.Run("严格域名模式", func(t *testing.T) {
		s := newTestSession(t, &fakeDeliverer{}, BackendConfig{
			Domains:       []string{"DropMail.test"},
			StrictDomains: true,
		})
		require.NoError(t, s.Mail("a@b.c", nil))
		assert.Equal(t, ErrRelayDenied, s.Rcpt("abc@elsewhere.com", nil))
		assert.NoError(t, s.Rcpt("abc@dropmail.test", nil))
	})

	t.Run("邮件过大", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{MaxMessageBytes: 64})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("abc@x", nil))

		body := sampleMessage + strings.Repeat("x", 100)
		assert.Equal(t, ErrMessageTooLarge, s.Data(strings.NewReader(body)))
		assert.Equal(t, StateRejected, s.state)
		assert.Empty(t, d.stored())
	})

	t.Run("恰好达到上限可以接收", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{MaxMessageBytes: int64(len(sampleMessage))})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("abc@x", nil))
		assert.NoError(t, s.Data(strings.NewReader(sampleMessage)))
	})

	t.Run("格式错误", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("abc@x", nil))

		err := s.Data(strings.NewReader("Subject: x\r\nnot a header line\r\n\r\nbody"))
		assert.Equal(t, ErrMalformedReply, err)
		assert.Empty(t, d.stored())
	})

	t.Run("读取正文失败返回554", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestSession(t, d, BackendConfig{})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("abc@x", nil))

		r := io.MultiReader(strings.NewReader("Subject: x\r\n"), iotest.ErrReader(errors.New("line too long")))
		err := s.Data(r)
		assert.Equal(t, ErrMalformedReply, err)
		assert.Equal(t, StateRejected, s.state)
		assert.Empty(t, d.stored())
	})

	t.Run("存储失败返回451", func(t *testing.T) {
		d := &fakeDeliverer{err: errors.New("disk on fire")}
		s := newTestSession(t, d, BackendConfig{})
		require.NoError(t, s.Mail("a@b.c", nil))
		require.NoError(t, s.Rcpt("abc@x", nil))

		err := s.Data(strings.NewReader(sampleMessage))
		assert.Equal(t, ErrStorageFailure, err)
		assert.Equal(t, StateRejected, s.state)
	})
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "receiving_data", StateReceivingData.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}

// startServer 在回环地址上启动 SMTP 服务器
func startServer(t *testing.T, d Deliverer, limiter *ConnectionLimiter) string {
	t.Helper()

	// 连接协程可能在测试结束后才退出，这里不能使用 zaptest
	log := zap.NewNop()
	metrics := monitoring.NewMetrics(nil)
	cfg := config.SMTPConfig{
		Hostname:        "dropmail.test",
		MaxMessageBytes: 1 << 20,
		MaxRecipients:   50,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
	backend := NewBackend(d, BackendConfig{MaxMessageBytes: cfg.MaxMessageBytes}, metrics, log)
	srv := NewServer(cfg, backend, limiter, metrics, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("SMTP server did not stop")
		}
	})
	return ln.Addr().String()
}

func sendMail(addr, from string, to []string, body string) error {
	c, err := gosmtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		return err
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func smtpCode(err error) int {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}

func TestServer_EndToEnd(t *testing.T) {
	d := &fakeDeliverer{}
	addr := startServer(t, d, NewConnectionLimiter(100, time.Minute, 100))

	t.Run("投递成功", func(t *testing.T) {
		require.NoError(t, sendMail(addr, "sender@example.com", []string{"inbox1@dropmail.test"}, sampleMessage))
		stored := d.stored()
		require.NotEmpty(t, stored)
		assert.Equal(t, "inbox1", stored[len(stored)-1].Mailbox)
	})

	t.Run("非法收件人返回550且连接可继续使用", func(t *testing.T) {
		c, err := gosmtp.Dial(addr)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.Hello("client.test"))
		require.NoError(t, c.Mail("sender@example.com", nil))

		err = c.Rcpt("bad.name@dropmail.test", nil)
		require.Error(t, err)
		assert.Equal(t, 550, smtpCode(err))

		require.NoError(t, c.Rcpt("inbox2@dropmail.test", nil))
		w, err := c.Data()
		require.NoError(t, err)
		_, err = w.Write([]byte(sampleMessage))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, c.Quit())
	})

	t.Run("格式错误返回554", func(t *testing.T) {
		err := sendMail(addr, "a@b.c", []string{"inbox3@dropmail.test"}, "Subject: x\r\ngarbage line\r\n\r\nbody\r\n")
		require.Error(t, err)
		assert.Equal(t, 554, smtpCode(err))
	})

	t.Run("超过大小限制返回552且连接可继续使用", func(t *testing.T) {
		c, err := gosmtp.Dial(addr)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Hello("client.test"))

		body := sampleMessage + wrappedLines((1<<20)+10)
		err = sendOn(c, "a@b.c", "inbox4@dropmail.test", body)
		require.Error(t, err)
		assert.Equal(t, 552, smtpCode(err))

		require.NoError(t, sendOn(c, "a@b.c", "inbox4@dropmail.test", sampleMessage))
		require.NoError(t, c.Quit())
	})

	t.Run("超长单行不会断开连接", func(t *testing.T) {
		c, err := gosmtp.Dial(addr)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Hello("client.test"))

		before := len(d.stored())
		long := sampleMessage + strings.Repeat("y", 3000) + "\r\n"
		require.NoError(t, sendOn(c, "a@b.c", "inbox5@dropmail.test", long))
		require.NoError(t, sendOn(c, "a@b.c", "inbox5@dropmail.test", sampleMessage))
		require.NoError(t, c.Quit())

		stored := d.stored()
		require.Len(t, stored, before+2)
		assert.Contains(t, stored[before].Text, strings.Repeat("y", 3000))
	})

	t.Run("没有头部的邮件按正文接收", func(t *testing.T) {
		before := len(d.stored())
		require.NoError(t, sendMail(addr, "plain@sender.test", []string{"inbox6@dropmail.test"}, "Hi there\r\n"))

		stored := d.stored()
		require.Len(t, stored, before+1)
		assert.Equal(t, "Hi there\r\n", stored[before].Text)
		assert.Equal(t, "plain@sender.test", stored[before].From)
	})
}

// wrappedLines 生成总长度超过 n 字节、每行 76 个字符的正文
func wrappedLines(n int) string {
	line := strings.Repeat("a", 76) + "\r\n"
	return strings.Repeat(line, n/len(line)+1)
}

// sendOn 在已建立的连接上发送一封邮件
func sendOn(c *gosmtp.Client, from, to, body string) error {
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func TestServer_RateLimit(t *testing.T) {
	addr := startServer(t, &fakeDeliverer{}, NewConnectionLimiter(2, time.Minute, 100))

	readGreeting := func() string {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		return line
	}

	assert.True(t, strings.HasPrefix(readGreeting(), "220"))
	assert.True(t, strings.HasPrefix(readGreeting(), "220"))
	assert.Equal(t, rejectReply, readGreeting())
}
