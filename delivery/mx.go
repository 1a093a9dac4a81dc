package delivery

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
)

// ErrNullMX is returned for domains that publish a null MX (RFC 7505) and
// therefore accept no mail.
var ErrNullMX = errors.New("domain does not accept mail")

var mxLookup = net.LookupMX

// mxHosts returns the hosts to try for domain, best preference first with
// equal preferences shuffled. A domain without MX records is its own
// implicit MX host.
func mxHosts(domain string) ([]string, error) {
	records, err := mxLookup(domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, fmt.Errorf("MX lookup for %s: %w", domain, err)
		}
		records = nil
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}
	if len(records) == 1 && strings.TrimSuffix(records[0].Host, ".") == "" {
		return nil, fmt.Errorf("%s: %w", domain, ErrNullMX)
	}

	records = slices.Clone(records)
	rand.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	slices.SortStableFunc(records, func(a, b *net.MX) int { return int(a.Pref) - int(b.Pref) })

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		if host := strings.TrimSuffix(mx.Host, "."); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, nil
}
