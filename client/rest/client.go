/*
Package rest provides clients for the HTTP side of the market-data gateway:
token requests (Authenticator), password change, and streaming service
discovery (EndpointResolver).
*/
package rest // import "github.com/y3sh/rt-sdk-go/client/rest"

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

const (
	DefaultTimeout = 15 * time.Second

	// maxBodySize limits how much of a response body is read.
	maxBodySize = 1 << 20
)

var logger = loggo.GetLogger("rtsdk.rest")

// Client performs single HTTP requests for the gateway clients. It never
// follows redirects by itself: the callers decide what to do with 3xx
// responses and count the hops.
type Client struct {
	params ClientParams
	http   *http.Client
}

// ClientParams contains params for creating a Client.
type ClientParams struct {
	// Timeout bounds each request, including reading the body. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// TLSConfig is optional.
	TLSConfig *tls.Config

	// Transport is optional; if nil, a clone of http.DefaultTransport is used.
	Transport http.RoundTripper
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Location is the redirect target resolved against the request URL, or
	// an empty string if the response has none.
	Location string
}

// IsRedirect reports whether the response is a redirect the gateway clients
// follow.
func (r *Response) IsRedirect() bool {
	switch r.Status {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}

// NewClient creates a new HTTP client with the provided params, which may be
// nil.
func NewClient(params *ClientParams) *Client {
	if params == nil {
		params = &ClientParams{}
	}

	c := &Client{
		params: *params,
	}

	if c.params.Timeout == 0 {
		c.params.Timeout = DefaultTimeout
	}

	transport := c.params.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if c.params.TLSConfig != nil {
			t.TLSClientConfig = c.params.TLSConfig
		}
		transport = t
	}

	c.http = &http.Client{
		Transport: transport,
		Timeout:   c.params.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return c
}

// PostForm posts an urlencoded form.
func (c *Client) PostForm(
	ctx context.Context, rawurl string, form url.Values, header http.Header,
) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawurl, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Trace(err)
	}

	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return resp, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawurl string, header http.Header) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	logger.Tracef("%s %s", req.Method, req.URL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", req.Method, req.URL)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Annotatef(err, "reading response of %s %s", req.Method, req.URL)
	}

	res := &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}

	if loc, err := resp.Location(); err == nil {
		res.Location = loc.String()
	}

	logger.Tracef("%s %s: %d", req.Method, req.URL, res.Status)

	return res, nil
}
