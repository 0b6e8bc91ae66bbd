package common

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// EndpointDescriptor is a streaming endpoint as returned by service
// discovery.
type EndpointDescriptor struct {
	Host string
	Port int
	// Locations are region tags, e.g. ["us-east-1a", "us-east-1b"]. Two tags
	// mean a load-balanced pair behind a single address; one tag means a
	// discrete site, usable for hot standby.
	Locations []string
}

// IsFailoverPair reports whether the endpoint is a load-balanced pair.
func (e EndpointDescriptor) IsFailoverPair() bool {
	return len(e.Locations) == 2
}

// IsDiscrete reports whether the endpoint is a single site.
func (e EndpointDescriptor) IsDiscrete() bool {
	return len(e.Locations) == 1
}

// PrimaryLocation returns the first location tag, or an empty string.
func (e EndpointDescriptor) PrimaryLocation() string {
	if len(e.Locations) == 0 {
		return ""
	}

	return e.Locations[0]
}

// InRegion reports whether the primary location starts with region. Empty
// region matches everything.
func (e EndpointDescriptor) InRegion(region string) bool {
	return strings.HasPrefix(e.PrimaryLocation(), region)
}

// Addr returns "host:port".
func (e EndpointDescriptor) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the secure websocket URL of the endpoint with the given path.
func (e EndpointDescriptor) URL(path string) string {
	return e.URLWithScheme("wss", path)
}

// URLWithScheme is like URL, but with a custom scheme; plain "ws" is only
// useful against local test servers.
func (e EndpointDescriptor) URLWithScheme(scheme, path string) string {
	u := url.URL{Scheme: scheme, Host: e.Addr(), Path: path}
	return u.String()
}

func (e EndpointDescriptor) String() string {
	return e.Addr() + " [" + strings.Join(e.Locations, ",") + "]"
}

// ParseEndpoint parses "host:port" (port defaults to 443) into a descriptor
// without locations; used when the endpoint is given explicitly rather than
// discovered.
func ParseEndpoint(addr string) (EndpointDescriptor, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port given
		return EndpointDescriptor{Host: addr, Port: 443}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return EndpointDescriptor{}, err
	}

	return EndpointDescriptor{Host: host, Port: port}, nil
}
