package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress indicates the address failed validation.
var ErrInvalidAddress = errors.New("invalid email address")

// Address is a parsed mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// String renders the address in RFC 5322 form.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Parse accepts either a bare address or a "Name <addr>" mailbox and
// returns it with the address part lower-cased.
func Parse(value string) (Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if strings.ContainsAny(value, "\r\n") {
		return Address{}, fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(value)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if _, err := Domain(parsed.Address); err != nil {
		return Address{}, err
	}

	return Address{Name: parsed.Name, Address: strings.ToLower(parsed.Address)}, nil
}

// Normalize validates value and returns only the lower-cased address part.
func Normalize(value string) (string, error) {
	addr, err := Parse(value)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}
