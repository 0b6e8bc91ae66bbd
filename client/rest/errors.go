package rest

import (
	"fmt"
	"strings"
)

// AuthError is returned by Authenticator when a token request fails for
// good: either the server rejected the grant, or the retries were exhausted.
type AuthError struct {
	Grant string
	// Status is the last HTTP status received, or 0 if the last attempt failed
	// at the transport level.
	Status int
	// Retryable is true when a later attempt might succeed (the failure was
	// transient but the retry budget ran out).
	Retryable bool
	// Body is the server's response body, if any.
	Body string

	Cause error
}

func (e *AuthError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s grant failed", e.Grant)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " with status %d", e.Status)
	}
	if e.Retryable {
		sb.WriteString(" (retries exhausted)")
	}
	if e.Body != "" {
		fmt.Fprintf(&sb, ": %s", e.Body)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %s", e.Cause)
	}
	return sb.String()
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// DiscoveryError is returned by EndpointResolver.Discover.
type DiscoveryError struct {
	Status    int
	Retryable bool
	Body      string

	Cause error
}

func (e *DiscoveryError) Error() string {
	var sb strings.Builder
	sb.WriteString("service discovery failed")
	if e.Status != 0 {
		fmt.Fprintf(&sb, " with status %d", e.Status)
	}
	if e.Retryable {
		sb.WriteString(" (retries exhausted)")
	}
	if e.Body != "" {
		fmt.Fprintf(&sb, ": %s", e.Body)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %s", e.Cause)
	}
	return sb.String()
}

func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// NoEndpointsError is returned when discovery yields no endpoint matching
// the requested topology.
type NoEndpointsError struct {
	Region     string
	HotStandby bool
	// Found is how many suitable endpoints were found.
	Found int
}

func (e *NoEndpointsError) Error() string {
	region := e.Region
	if region == "" {
		region = "any region"
	}

	if e.HotStandby {
		return fmt.Sprintf(
			"hot standby needs 2 single-location endpoints in %s, found %d", region, e.Found,
		)
	}

	return fmt.Sprintf("no streaming endpoint found in %s", region)
}
