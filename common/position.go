package common

import (
	"net"
	"os"
)

const fallbackPosition = "127.0.0.1/net"

// DefaultPosition returns the login Position for this host: its first IPv4
// address and hostname, like "10.0.0.5/myhost".
func DefaultPosition() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallbackPosition
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fallbackPosition
	}

	for _, addr := range addrs {
		if ipv4 := addr.To4(); ipv4 != nil {
			return ipv4.String() + "/" + host
		}
	}

	return fallbackPosition
}
