package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

// SMTPConfig configures a relay-based transport.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	InsecureTLS bool
	DialTimeout time.Duration
}

// SMTP delivers messages through an SMTP relay, one connection per message.
type SMTP struct {
	cfg SMTPConfig
	log *logger.Logger
}

// NewSMTP builds an SMTP transport.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg, log: logger.Named("smtp")}
}

// stage records which SMTP command a failure belongs to.
type stage string

const (
	stageConnect stage = "connect"
	stageMail    stage = "MAIL FROM"
	stageRcpt    stage = "RCPT TO"
	stageData    stage = "DATA"
)

// Send implements sending.Transport. The generated Message-ID doubles as
// the thread id.
func (s *SMTP) Send(ctx context.Context, msg sending.Message) (sending.Receipt, error) {
	if s.cfg.Host == "" {
		return sending.Receipt{}, sending.Transient(errors.New("smtp host not configured"))
	}
	host := domain.DomainOf(msg.From)
	if host == "" {
		host = "localhost"
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), host)
	raw := buildMessage(msg, messageID)

	if st, err := s.transact(ctx, msg.From, msg.To, raw); err != nil {
		return sending.Receipt{}, classifySMTP(st, err)
	}
	s.log.Debug("smtp accepted message", "to", msg.To, "message_id", messageID)
	return sending.Receipt{MessageID: messageID, ThreadID: messageID}, nil
}

func (s *SMTP) transact(ctx context.Context, from, to string, raw []byte) (stage, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return stageConnect, fmt.Errorf("connect %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return stageConnect, fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.InsecureTLS}); err != nil {
			return stageConnect, fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(&plainAuth{user: s.cfg.Username, pass: s.cfg.Password}); err != nil {
				return stageConnect, fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return stageMail, fmt.Errorf("%s: %w", stageMail, err)
	}
	if err := c.Rcpt(to); err != nil {
		return stageRcpt, fmt.Errorf("%s: %w", stageRcpt, err)
	}
	w, err := c.Data()
	if err != nil {
		return stageData, fmt.Errorf("%s: %w", stageData, err)
	}
	if _, err := w.Write(raw); err != nil {
		return stageData, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return stageData, fmt.Errorf("%s: %w", stageData, err)
	}
	_ = c.Quit()
	return "", nil
}

// classifySMTP maps reply codes onto sending error kinds. Mailbox-level
// rejections at RCPT mean the address is invalid; other 5xx replies are
// hard bounces; 4xx replies and network errors are transient.
func classifySMTP(st stage, err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return sending.Transient(err)
	}
	switch {
	case tpErr.Code >= 400 && tpErr.Code < 500:
		return sending.Transient(err)
	case tpErr.Code >= 500 && st == stageRcpt && (tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553 ||
		strings.HasPrefix(tpErr.Msg, "5.1.")):
		return sending.InvalidRecipient(err)
	case tpErr.Code >= 500 && st != stageConnect:
		return sending.HardBounce(err)
	}
	return sending.Transient(err)
}

func buildMessage(msg sending.Message, messageID string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "X-Offermail-%s: %s\r\n", headerKey(k), msg.Tags[k])
	}

	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(normalizeCRLF(msg.HTMLBody))
	b.WriteString("\r\n")
	return b.Bytes()
}

func headerKey(k string) string {
	parts := strings.FieldsFunc(k, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

func normalizeCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// plainAuth is PLAIN auth without net/smtp's TLS requirement; internal
// relays often accept it on unencrypted submission ports.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next([]byte, bool) ([]byte, error) { return nil, nil }
