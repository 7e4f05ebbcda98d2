package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/report"
	"github.com/rcourtman/badpractice-agent/pkg/tlsutil"
)

const smtpTimeout = 30 * time.Second

// smtpDialTimeout is replaced in tests.
var smtpDialTimeout = func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return tlsutil.DialContextWithCache(ctx, network, addr)
}

// EmailTransport sends reports over SMTP.
type EmailTransport struct {
	config  config.EmailConfig
	limiter *rate.Limiter
	nowFn   func() time.Time
}

// NewEmailTransport builds an SMTP transport. RateLimit is messages per
// minute; zero disables the limit.
func NewEmailTransport(cfg config.EmailConfig) *EmailTransport {
	t := &EmailTransport{config: cfg, nowFn: time.Now}
	if cfg.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	}
	return t
}

func (t *EmailTransport) Name() string { return "email" }

// Send renders r and delivers it to every configured recipient.
func (t *EmailTransport) Send(ctx context.Context, r report.Report) error {
	subject, htmlBody, textBody, err := r.Render()
	if err != nil {
		return bperrors.WrapTransportError("render", err)
	}
	msg, err := t.buildMessage(subject, htmlBody, textBody)
	if err != nil {
		return bperrors.WrapTransportError("compose", err)
	}
	if err := t.SendWithRetry(ctx, msg); err != nil {
		return bperrors.WrapTransportError("send", err)
	}
	log.Info().
		Str("report", r.ID).
		Str("subject", subject).
		Strs("recipients", t.recipients()).
		Msg("Report email sent")
	return nil
}

// SendWithRetry makes up to MaxRetries+1 delivery attempts.
func (t *EmailTransport) SendWithRetry(ctx context.Context, msg []byte) error {
	if err := t.checkRateLimit(); err != nil {
		return err
	}

	attempts := t.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = t.sendOnce(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("email send cancelled after %d attempt(s): %w", attempt, ctx.Err())
		}
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("maxAttempts", attempts).
			Str("smtp", t.config.SMTPHost).
			Msg("Email send attempt failed")
		if attempt == attempts {
			break
		}

		delay := t.config.RetryDelay * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("email send cancelled after %d attempt(s): %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to send email after %d attempts: %w", attempts, lastErr)
}

func (t *EmailTransport) checkRateLimit() error {
	if t.limiter == nil {
		return nil
	}
	if !t.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded: %d emails per minute", t.config.RateLimit)
	}
	return nil
}

func (t *EmailTransport) recipients() []string {
	if len(t.config.To) == 0 && t.config.From != "" {
		return []string{t.config.From}
	}
	return t.config.To
}

func (t *EmailTransport) sendOnce(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(t.config.SMTPHost, strconv.Itoa(t.config.SMTPPort))
	switch {
	case t.config.TLS || t.config.SMTPPort == 465:
		return t.sendTLS(ctx, addr, msg)
	case t.config.StartTLS:
		return t.sendStartTLS(ctx, addr, msg)
	default:
		return t.sendPlain(ctx, addr, msg)
	}
}

// dial connects to addr. The connection deadline is the sooner of the SMTP
// timeout and ctx's deadline, and cancelling ctx closes the connection.
func (t *EmailTransport) dial(ctx context.Context, addr string) (net.Conn, func(), error) {
	conn, err := smtpDialTimeout(ctx, "tcp", addr, smtpTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(smtpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, func() { stop() }, nil
}

func (t *EmailTransport) sendPlain(ctx context.Context, addr string, msg []byte) error {
	conn, done, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer done()
	c, err := smtp.NewClient(conn, t.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake failed: %w", err)
	}
	defer c.Close()
	return t.deliver(c, msg)
}

func (t *EmailTransport) sendStartTLS(ctx context.Context, addr string, msg []byte) error {
	conn, done, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer done()
	c, err := smtp.NewClient(conn, t.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake failed: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("server %s does not support STARTTLS", t.config.SMTPHost)
	}
	if err := c.StartTLS(tlsutil.ClientConfig(t.config.SMTPHost, t.config.SkipTLSVerify)); err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}
	return t.deliver(c, msg)
}

func (t *EmailTransport) sendTLS(ctx context.Context, addr string, msg []byte) error {
	conn, done, err := t.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer done()
	tlsConn := tls.Client(conn, tlsutil.ClientConfig(t.config.SMTPHost, t.config.SkipTLSVerify))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	c, err := smtp.NewClient(tlsConn, t.config.SMTPHost)
	if err != nil {
		tlsConn.Close()
		return fmt.Errorf("SMTP handshake failed: %w", err)
	}
	defer c.Close()
	return t.deliver(c, msg)
}

func (t *EmailTransport) deliver(c *smtp.Client, msg []byte) error {
	if t.config.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", t.config.Username, t.config.Password, t.config.SMTPHost)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("SMTP auth failed: %w", err)
			}
		}
	}
	if err := c.Mail(t.config.From); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range t.recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return c.Quit()
}

// buildMessage assembles a multipart/alternative message with text and HTML parts.
func (t *EmailTransport) buildMessage(subject, htmlBody, textBody string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", textBody},
		{"text/html; charset=UTF-8", htmlBody},
	}
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", p.contentType)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", t.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(t.recipients(), ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", t.nowFn().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@bp-agent>\r\n", uuid.NewString())
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
