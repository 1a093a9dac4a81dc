package config

import (
	"net"
	"strings"
)

// ParseNetworks turns a comma separated list of CIDR blocks or bare IPs
// (API_ALLOW_NETWORKS) into networks. Invalid entries are skipped.
func ParseNetworks(value string) []*net.IPNet {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var result []*net.IPNet
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				if v4 := ip.To4(); v4 != nil {
					ip = v4
				}
				mask := net.CIDRMask(len(ip)*8, len(ip)*8)
				result = append(result, &net.IPNet{IP: ip, Mask: mask})
			}
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			result = append(result, network)
		}
	}
	return result
}

// NetworkAllowed reports whether ip is inside one of networks. With no
// networks configured only loopback addresses are allowed.
func NetworkAllowed(ip net.IP, networks []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	if len(networks) == 0 {
		return ip.IsLoopback()
	}
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
