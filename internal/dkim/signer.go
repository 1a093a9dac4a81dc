package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"mailqueue/internal/email"
)

// Signer applies DKIM signatures to raw messages handed to SMTP transports.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// Selector returns the configured DKIM selector string.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Domain returns the configured DKIM signing domain, if any.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Options describes how to sign outgoing messages. A zero Options disables
// signing.
type Options struct {
	Selector string
	// Domain overrides the domain taken from the envelope sender.
	Domain string
	// KeyPath and PrivateKey are alternatives; PrivateKey wins when both are set.
	KeyPath    string
	PrivateKey string
}

// New builds a Signer from opts. It returns a nil Signer and nil error when
// signing is not configured; a nil Signer passes messages through unchanged.
func New(opts Options) (*Signer, error) {
	selector := strings.TrimSpace(opts.Selector)
	keyPath := strings.TrimSpace(opts.KeyPath)
	domain := strings.ToLower(strings.TrimSpace(opts.Domain))

	if selector == "" && keyPath == "" && opts.PrivateKey == "" && domain == "" {
		return nil, nil
	}
	if selector == "" {
		return nil, fmt.Errorf("dkim: SMTP_DKIM_SELECTOR is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case opts.PrivateKey != "":
		pemData = []byte(opts.PrivateKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   domain,
		selector: selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"subject",
			"date",
			"mime-version",
			"content-type",
			"message-id",
		},
	}, nil
}

// Sign ensures the message carries a DKIM signature. When the message already includes
// a DKIM-Signature header it is left untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = signingDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	reader := bytes.NewReader(normalizeLineEndings(message))
	if err := msgauthdkim.Sign(&signed, reader, opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

func signingDomain(from string) string {
	addr, err := email.Parse(from)
	if err != nil {
		return ""
	}
	domain, err := email.Domain(addr.Address)
	if err != nil {
		return ""
	}
	return domain
}

// hasSignature looks for a DKIM-Signature field in the header block only, so
// a body quoting one does not suppress signing.
func hasSignature(message []byte) bool {
	header := message
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(message, sep); i >= 0 {
			header = message[:i]
			break
		}
	}
	upper := bytes.ToUpper(header)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) || bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	lines := bytes.Split(data, []byte{'\n'})
	return bytes.Join(lines, []byte("\r\n"))
}
