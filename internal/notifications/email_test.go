package notifications

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
	"github.com/rcourtman/badpractice-agent/internal/report"
)

// fakeSMTP records what a stubbed SMTP server receives.
type fakeSMTP struct {
	mu    sync.Mutex
	rcpts []string
	data  []string
	dials atomic.Int32
}

func (f *fakeSMTP) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.data...)
}

func (f *fakeSMTP) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rcpts...)
}

// stubSMTP swaps the dialer for an in-memory server. The first failDials
// dials return an error; ehlo is the extension list advertised after EHLO.
func stubSMTP(t *testing.T, failDials int32, ehlo string) *fakeSMTP {
	t.Helper()
	fake := &fakeSMTP{}

	origDial := smtpDialTimeout
	smtpDialTimeout = func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fake.dials.Add(1) <= failDials {
			return nil, errors.New("connection refused")
		}
		clientConn, serverConn := net.Pipe()
		go fake.serve(serverConn, ehlo)
		return clientConn, nil
	}
	t.Cleanup(func() { smtpDialTimeout = origDial })
	return fake
}

func (f *fakeSMTP) serve(conn net.Conn, ehlo string) {
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := textproto.NewReader(bufio.NewReader(conn))

	fmt.Fprint(w, "220 smtp.example.com ESMTP\r\n")
	_ = w.Flush()

	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			fmt.Fprintf(w, "250-smtp.example.com\r\n250 %s\r\n", ehlo)
		case strings.HasPrefix(line, "MAIL FROM:"):
			fmt.Fprint(w, "250 2.1.0 OK\r\n")
		case strings.HasPrefix(line, "RCPT TO:"):
			f.mu.Lock()
			f.rcpts = append(f.rcpts, strings.Trim(strings.TrimPrefix(line, "RCPT TO:"), "<>"))
			f.mu.Unlock()
			fmt.Fprint(w, "250 2.1.5 OK\r\n")
		case strings.HasPrefix(line, "DATA"):
			fmt.Fprint(w, "354 End data with <CR><LF>.<CR><LF>\r\n")
			_ = w.Flush()
			var data strings.Builder
			for {
				dataLine, readErr := r.ReadLine()
				if readErr != nil {
					return
				}
				if dataLine == "." {
					break
				}
				data.WriteString(dataLine)
				data.WriteString("\n")
			}
			f.mu.Lock()
			f.data = append(f.data, data.String())
			f.mu.Unlock()
			fmt.Fprint(w, "250 2.0.0 queued\r\n")
		case strings.HasPrefix(line, "QUIT"):
			fmt.Fprint(w, "221 2.0.0 Bye\r\n")
			_ = w.Flush()
			return
		default:
			fmt.Fprint(w, "250 OK\r\n")
		}
		_ = w.Flush()
	}
}

func plainConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:    true,
		SMTPHost:   "smtp.example.com",
		SMTPPort:   25,
		From:       "agent@example.com",
		To:         []string{"ops@example.com", "dev@example.com"},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

func sampleReport() report.Report {
	return report.ComposeIncremental("Dockerfile", []models.Finding{{
		Path:        "Dockerfile",
		Description: "Base image uses the latest tag",
		Suggestion:  "Pin the image version",
		Severity:    "high",
	}})
}

func TestEmailTransportSendsMultipartReport(t *testing.T) {
	fake := stubSMTP(t, 0, "8BITMIME")
	transport := NewEmailTransport(plainConfig())

	require.NoError(t, transport.Send(context.Background(), sampleReport()))

	msgs := fake.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Contains(t, msg, "From: agent@example.com")
	assert.Contains(t, msg, "To: ops@example.com, dev@example.com")
	assert.Contains(t, msg, "Subject: =?UTF-8?q?")
	assert.Contains(t, msg, "Content-Type: multipart/alternative")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, msg, "Base image uses the latest tag")
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, fake.recipients())
}

func TestEmailTransportFallsBackToSender(t *testing.T) {
	fake := stubSMTP(t, 0, "8BITMIME")
	cfg := plainConfig()
	cfg.To = nil
	transport := NewEmailTransport(cfg)

	require.NoError(t, transport.Send(context.Background(), sampleReport()))
	assert.Equal(t, []string{"agent@example.com"}, fake.recipients())
}

func TestSendWithRetryRecoversFromTransientFailure(t *testing.T) {
	fake := stubSMTP(t, 2, "8BITMIME")
	transport := NewEmailTransport(plainConfig())

	require.NoError(t, transport.SendWithRetry(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n")))
	assert.Equal(t, int32(3), fake.dials.Load())
	assert.Len(t, fake.messages(), 1)
}

func TestSendFailsAfterAllAttempts(t *testing.T) {
	fake := stubSMTP(t, 100, "8BITMIME")
	transport := NewEmailTransport(plainConfig())

	err := transport.Send(context.Background(), sampleReport())
	require.Error(t, err)
	assert.True(t, errors.Is(err, bperrors.ErrTransport))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), fake.dials.Load())
}

func TestSendWithRetryStopsOnCancel(t *testing.T) {
	fake := stubSMTP(t, 100, "8BITMIME")
	cfg := plainConfig()
	cfg.RetryDelay = time.Minute
	transport := NewEmailTransport(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := transport.SendWithRetry(ctx, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), fake.dials.Load())
}

func TestCheckRateLimit(t *testing.T) {
	cfg := plainConfig()
	cfg.RateLimit = 2
	transport := NewEmailTransport(cfg)

	require.NoError(t, transport.checkRateLimit())
	require.NoError(t, transport.checkRateLimit())
	err := transport.checkRateLimit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	cfg.RateLimit = 0
	unlimited := NewEmailTransport(cfg)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.checkRateLimit())
	}
}

func TestSendStartTLSRequiresExtension(t *testing.T) {
	stubSMTP(t, 0, "8BITMIME")
	cfg := plainConfig()
	cfg.SMTPPort = 587
	cfg.StartTLS = true
	transport := NewEmailTransport(cfg)

	err := transport.sendStartTLS(context.Background(), "ignored:587", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support STARTTLS")
}

func TestSendStartTLSUpgradeFailsAgainstPlainServer(t *testing.T) {
	stubSMTP(t, 0, "STARTTLS")
	cfg := plainConfig()
	cfg.StartTLS = true
	cfg.SkipTLSVerify = true
	transport := NewEmailTransport(cfg)

	err := transport.sendStartTLS(context.Background(), "ignored:587", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS failed")
}

func TestSendAbortsStalledServerOnCancel(t *testing.T) {
	var dialCtx context.Context
	origDial := smtpDialTimeout
	smtpDialTimeout = func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
		dialCtx = ctx
		clientConn, serverConn := net.Pipe()
		// The server accepts but never sends its greeting.
		t.Cleanup(func() { serverConn.Close() })
		return clientConn, nil
	}
	t.Cleanup(func() { smtpDialTimeout = origDial })

	transport := NewEmailTransport(plainConfig())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := transport.SendWithRetry(ctx, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), smtpTimeout, "cancellation must not wait for the SMTP timeout")
	require.NotNil(t, dialCtx)
	assert.Error(t, dialCtx.Err(), "the dialer receives the caller's context")
}

func TestSendSkipsDialWhenAlreadyCancelled(t *testing.T) {
	fake := stubSMTP(t, 0, "8BITMIME")
	transport := NewEmailTransport(plainConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := transport.SendWithRetry(ctx, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, fake.dials.Load())
}

func TestNewSelectsTransport(t *testing.T) {
	assert.Equal(t, "log", New(config.EmailConfig{}).Name())

	cfg := plainConfig()
	assert.Equal(t, "email", New(cfg).Name())

	cfg.Enabled = false
	assert.Equal(t, "log", New(cfg).Name())
}

func TestLogTransportNeverFails(t *testing.T) {
	require.NoError(t, LogTransport{}.Send(context.Background(), report.ComposeFull(nil, 0)))
}
