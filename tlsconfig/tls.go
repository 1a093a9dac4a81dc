package tlsconfig

import (
	"crypto/tls"
	"errors"
)

// ErrIncompleteKeyPair is returned when only one of cert and key is set.
var ErrIncompleteKeyPair = errors.New("tls: both certificate and key files are required")

// LoadTLSConfig builds a server TLS config for the API listener. It returns
// nil, nil when neither file is configured so the caller serves plain HTTP.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, ErrIncompleteKeyPair
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
