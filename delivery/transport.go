package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/dkim"
	"mailqueue/storage"
)

// ErrUnknownTransport is returned by New for an unsupported MAIL_TRANSPORT.
var ErrUnknownTransport = errors.New("unknown mail transport")

// Message is one fully rendered email addressed to a single recipient.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Transport delivers one message. It returns the identifier assigned by the
// upstream service on success.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) (string, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

type named interface {
	Name() string
}

// NameOf returns the transport name used in logs and metric labels.
func NameOf(t Transport) string {
	if n, ok := t.(named); ok {
		return n.Name()
	}
	return "custom"
}

// New builds the transport selected by cfg.Mail.Transport.
func New(cfg *config.Config, log *zap.SugaredLogger) (Transport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("delivery")

	switch cfg.Mail.Transport {
	case "resend", "":
		t, err := NewResendTransport(ResendConfig{
			APIKey:  cfg.Resend.APIKey,
			BaseURL: cfg.Resend.BaseURL,
			Timeout: cfg.Queue.SendTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "smtp", "direct":
		signer, err := dkim.New(dkim.Options{
			Selector:   cfg.DKIM.Selector,
			Domain:     cfg.DKIM.Domain,
			KeyPath:    cfg.DKIM.KeyPath,
			PrivateKey: cfg.DKIM.PrivateKey,
		})
		if err != nil {
			return nil, err
		}
		return NewSMTPTransport(SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			Hostname:           cfg.SMTP.Hostname,
			Direct:             cfg.Mail.Transport == "direct",
		}, signer, storage.NewSpool(cfg.SpoolDir), log), nil
	case "log":
		return NewLogTransport(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Mail.Transport)
	}
}
