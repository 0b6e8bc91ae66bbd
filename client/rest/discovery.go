package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"

	"github.com/y3sh/rt-sdk-go/common"
)

// EndpointResolver finds the streaming endpoints to connect to.
type EndpointResolver struct {
	params EndpointResolverParams
}

// EndpointResolverParams contains params for creating an EndpointResolver.
type EndpointResolverParams struct {
	// DiscoveryURL is the service discovery URL. Required.
	DiscoveryURL string

	// HTTP is the client to use; if nil, NewClient(nil) is used.
	HTTP *Client

	RetryDelay   time.Duration
	MaxRedirects int
	MaxRetries   int

	// Below are mockables; should only be set for tests.

	clock clock.Clock

	// retrying is called right before waiting RetryDelay.
	retrying func(attempt int)
}

type discoveryResponse struct {
	Services []struct {
		Endpoint string   `json:"endpoint"`
		Port     int      `json:"port"`
		Location []string `json:"location"`
	} `json:"services"`
}

// NewEndpointResolver creates a new EndpointResolver.
func NewEndpointResolver(params *EndpointResolverParams) (*EndpointResolver, error) {
	r := &EndpointResolver{
		params: *params,
	}

	if r.params.DiscoveryURL == "" {
		return nil, errors.New("discovery url is required")
	}

	if r.params.HTTP == nil {
		r.params.HTTP = NewClient(nil)
	}

	if r.params.RetryDelay == 0 {
		r.params.RetryDelay = DefaultRetryDelay
	}

	if r.params.MaxRedirects == 0 {
		r.params.MaxRedirects = DefaultMaxRedirects
	}

	if r.params.MaxRetries == 0 {
		r.params.MaxRetries = DefaultMaxRetries
	}

	if r.params.clock == nil {
		r.params.clock = clock.New()
	}

	if r.params.retrying == nil {
		r.params.retrying = func(attempt int) {}
	}

	return r, nil
}

// Resolve discovers the endpoints and selects the ones to connect to; see
// SelectEndpoints.
func (r *EndpointResolver) Resolve(
	ctx context.Context, token common.TokenSet, region string, hotStandby bool,
) ([]common.EndpointDescriptor, error) {
	all, err := r.Discover(ctx, token)
	if err != nil {
		return nil, errors.Trace(err)
	}

	selected, err := SelectEndpoints(all, region, hotStandby)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, ep := range selected {
		logger.Infof("selected streaming endpoint %s", ep)
	}

	return selected, nil
}

// Discover returns every websocket endpoint the discovery service knows.
func (r *EndpointResolver) Discover(
	ctx context.Context, token common.TokenSet,
) ([]common.EndpointDescriptor, error) {
	target, err := url.Parse(r.params.DiscoveryURL)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing discovery url")
	}

	q := target.Query()
	q.Set("transport", "websocket")
	target.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)

	next := target.String()
	redirects := 0
	attempt := 0

	for {
		logger.Debugf("requesting service discovery from %s", next)

		resp, err := r.params.HTTP.Get(ctx, next, header)

		var lastErr *DiscoveryError

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			logger.Warningf("service discovery: %s", err)
			lastErr = &DiscoveryError{Retryable: true, Cause: err}

		case resp.Status == http.StatusOK:
			endpoints, err := parseDiscoveryResponse(resp.Body)
			if err != nil {
				return nil, errors.Trace(&DiscoveryError{Status: resp.Status, Cause: err})
			}
			logger.Debugf("service discovery returned %d endpoints", len(endpoints))
			return endpoints, nil

		case resp.IsRedirect():
			redirects++
			if resp.Location == "" || redirects > r.params.MaxRedirects {
				return nil, errors.Trace(&DiscoveryError{
					Status: resp.Status,
					Cause:  errors.Errorf("giving up after %d redirects", redirects-1),
				})
			}

			logger.Infof("service discovery: redirected (%d) to %s", resp.Status, resp.Location)
			next = resp.Location
			continue

		case isDiscoveryPermanent(resp.Status):
			logger.Errorf("service discovery rejected with status %d", resp.Status)
			return nil, errors.Trace(&DiscoveryError{
				Status: resp.Status,
				Body:   string(resp.Body),
			})

		default:
			logger.Warningf("service discovery: unexpected status %d", resp.Status)
			lastErr = &DiscoveryError{
				Status:    resp.Status,
				Retryable: true,
				Body:      string(resp.Body),
			}
		}

		attempt++
		if attempt > r.params.MaxRetries {
			return nil, errors.Trace(lastErr)
		}

		timer := r.params.clock.Timer(r.params.RetryDelay)
		r.params.retrying(attempt)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Trace(ctx.Err())
		}
	}
}

func isDiscoveryPermanent(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone,
		http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

func parseDiscoveryResponse(body []byte) ([]common.EndpointDescriptor, error) {
	var dr discoveryResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, errors.Annotatef(err, "parsing discovery response")
	}

	endpoints := make([]common.EndpointDescriptor, 0, len(dr.Services))
	for _, svc := range dr.Services {
		if svc.Endpoint == "" {
			continue
		}

		endpoints = append(endpoints, common.EndpointDescriptor{
			Host:      svc.Endpoint,
			Port:      svc.Port,
			Locations: svc.Location,
		})
	}

	return endpoints, nil
}

// SelectEndpoints picks the endpoints to connect to. Region is matched as a
// prefix of an endpoint's first location; empty region matches any.
//
// Without hot standby, exactly one endpoint is returned, in the order of
// preference: a load-balanced pair in the region, any load-balanced pair,
// then a single-location endpoint in the region.
//
// With hot standby, the first two single-location endpoints in the region
// are returned.
func SelectEndpoints(
	endpoints []common.EndpointDescriptor, region string, hotStandby bool,
) ([]common.EndpointDescriptor, error) {
	if hotStandby {
		var discrete []common.EndpointDescriptor
		for _, ep := range endpoints {
			if ep.IsDiscrete() && ep.InRegion(region) {
				discrete = append(discrete, ep)
			}
		}

		if len(discrete) < 2 {
			return nil, errors.Trace(&NoEndpointsError{
				Region:     region,
				HotStandby: true,
				Found:      len(discrete),
			})
		}

		return discrete[:2], nil
	}

	preferences := []func(ep common.EndpointDescriptor) bool{
		func(ep common.EndpointDescriptor) bool { return ep.IsFailoverPair() && ep.InRegion(region) },
		func(ep common.EndpointDescriptor) bool { return ep.IsFailoverPair() },
		func(ep common.EndpointDescriptor) bool { return ep.IsDiscrete() && ep.InRegion(region) },
	}

	for _, match := range preferences {
		for _, ep := range endpoints {
			if match(ep) {
				return []common.EndpointDescriptor{ep}, nil
			}
		}
	}

	return nil, errors.Trace(&NoEndpointsError{Region: region})
}
