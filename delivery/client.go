package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"mailqueue/internal/dkim"
	"mailqueue/internal/email"
	"mailqueue/storage"
)

// SMTPConfig configures relay or direct-to-MX SMTP delivery.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
	// Hostname is used for HELO and the Message-Id domain.
	Hostname string
	// Direct skips the relay and delivers to the recipient's MX hosts.
	Direct bool
}

// SMTPTransport renders messages with gomail, optionally DKIM-signs and
// spools them, and hands them to an SMTP server.
type SMTPTransport struct {
	cfg    SMTPConfig
	signer *dkim.Signer
	spool  *storage.Spool
	log    *zap.SugaredLogger
	now    func() time.Time
}

// deliverFunc hands one rendered message to the server behind d.
var deliverFunc = deliver

// NewSMTPTransport returns an SMTP transport. signer and spool may be nil.
func NewSMTPTransport(cfg SMTPConfig, signer *dkim.Signer, spool *storage.Spool, log *zap.SugaredLogger) *SMTPTransport {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SMTPTransport{cfg: cfg, signer: signer, spool: spool, log: log, now: time.Now}
}

// Name implements the transport naming used in metrics.
func (t *SMTPTransport) Name() string {
	if t.cfg.Direct {
		return "direct"
	}
	return "smtp"
}

// Send renders msg and delivers it. The returned id is the Message-Id header.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	from, err := email.Parse(msg.From)
	if err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}
	to, err := email.Normalize(msg.To)
	if err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}

	raw, messageID, err := t.render(from, to, msg)
	if err != nil {
		return "", err
	}
	raw, err = t.signer.Sign(raw, from.Address)
	if err != nil {
		return "", err
	}
	if path, err := t.spool.SaveMessage(spoolID(messageID), to, raw); err != nil {
		t.log.Warnw("Failed to spool message", "messageID", messageID, "error", err)
	} else if path != "" {
		t.log.Debugw("Spooled message", "messageID", messageID, "path", path)
	}

	done := make(chan error, 1)
	go func() {
		if t.cfg.Direct {
			done <- DeliverMessage(from.Address, to, raw, t.dialer)
			return
		}
		done <- deliverFunc(t.dialer(t.cfg.Host, t.cfg.Port), from.Address, to, raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *SMTPTransport) render(from email.Address, to string, msg Message) ([]byte, string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.cfg.Hostname)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from.Address, from.Name)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", messageID)
	m.SetDateHeader("Date", t.now())
	m.SetBody("text/html", msg.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func (t *SMTPTransport) dialer(host string, port int) *gomail.Dialer {
	d := gomail.NewDialer(host, port, t.cfg.Username, t.cfg.Password)
	d.LocalName = t.cfg.Hostname
	if t.cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: host}
	} else {
		d.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return d
}

type rawMessage []byte

func (r rawMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r)
	return int64(n), err
}

func deliver(d *gomail.Dialer, from, to string, data []byte) error {
	sc, err := d.Dial()
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", d.Host, d.Port, err)
	}
	if err := sc.Send(from, []string{to}, rawMessage(data)); err != nil {
		_ = sc.Close()
		return fmt.Errorf("send via %s: %w", d.Host, err)
	}
	if err := sc.Close(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

func spoolID(messageID string) string {
	id, _, _ := strings.Cut(strings.Trim(messageID, "<>"), "@")
	return id
}
