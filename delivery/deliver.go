package delivery

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"mailqueue/internal/email"
)

// smtpPort is the port MX hosts are contacted on.
var smtpPort = 25

// DeliverMessage tries each MX host of the recipient's domain in order until
// one accepts the message. The last host's error is returned when all fail.
func DeliverMessage(from, to string, data []byte, dial func(host string, port int) *gomail.Dialer) error {
	domain, err := email.Domain(to)
	if err != nil {
		return err
	}
	hosts, err := mxHosts(domain)
	if err != nil {
		return err
	}
	var lastErr error
	for _, host := range hosts {
		if lastErr = deliverFunc(dial(host, smtpPort), from, to, data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("direct delivery to %s failed after %d hosts: %w", domain, len(hosts), lastErr)
}
