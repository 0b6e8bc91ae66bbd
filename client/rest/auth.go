package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"

	"github.com/y3sh/rt-sdk-go/common"
)

const (
	DefaultScope        = "trapi.streaming.pricing.read"
	DefaultRetryDelay   = 5 * time.Second
	DefaultMaxRedirects = 5
	DefaultMaxRetries   = 10
)

// Grant names, as sent in the grant_type form field.
const (
	GrantPassword          = "password"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Authenticator obtains token sets from the gateway's token endpoint.
type Authenticator struct {
	params AuthenticatorParams
	signer *assertionSigner
}

// AuthenticatorParams contains params for creating an Authenticator.
type AuthenticatorParams struct {
	// AuthURL is the token endpoint. Required.
	AuthURL string

	// Credential selects the primary grant. Required.
	Credential common.Credential

	// Scope defaults to DefaultScope.
	Scope string

	// Audience is the "aud" claim of client assertions; defaults to AuthURL.
	Audience string

	// HTTP is the client to use; if nil, NewClient(nil) is used.
	HTTP *Client

	RetryDelay   time.Duration
	MaxRedirects int
	MaxRetries   int

	// Below are mockables; should only be set for tests.

	clock clock.Clock

	// retrying is called right before waiting RetryDelay.
	retrying func(grant string, attempt int)
}

// grant is a single kind of token request.
type grant struct {
	name string
	// form returns the fields to post; it's called for each attempt.
	form func() (url.Values, error)
	// permanent returns whether the status is a final rejection.
	permanent func(status int) bool
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(params *AuthenticatorParams) (*Authenticator, error) {
	a := &Authenticator{
		params: *params,
	}

	if a.params.AuthURL == "" {
		return nil, errors.New("auth url is required")
	}

	if err := a.params.Credential.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	if a.params.Scope == "" {
		a.params.Scope = DefaultScope
	}

	if a.params.Audience == "" {
		a.params.Audience = a.params.AuthURL
	}

	if a.params.HTTP == nil {
		a.params.HTTP = NewClient(nil)
	}

	if a.params.RetryDelay == 0 {
		a.params.RetryDelay = DefaultRetryDelay
	}

	if a.params.MaxRedirects == 0 {
		a.params.MaxRedirects = DefaultMaxRedirects
	}

	if a.params.MaxRetries == 0 {
		a.params.MaxRetries = DefaultMaxRetries
	}

	if a.params.clock == nil {
		a.params.clock = clock.New()
	}

	if a.params.retrying == nil {
		a.params.retrying = func(grant string, attempt int) {}
	}

	cred := a.params.Credential
	if cred.Kind() == common.CredentialClientAssertion {
		signer, err := newAssertionSigner(cred.JWK, cred.ClientID, a.params.Audience)
		if err != nil {
			return nil, errors.Trace(err)
		}
		a.signer = signer
	}

	return a, nil
}

// Credential returns the credential used for primary grants.
func (a *Authenticator) Credential() common.Credential {
	return a.params.Credential
}

// Authenticate obtains a new token set. If previous carries a refresh token,
// the refresh grant is tried first, and if the server rejects it (400/401),
// the primary grant is tried once instead; otherwise the primary grant is
// used right away.
//
// Transient failures are retried after RetryDelay, up to MaxRetries times.
// The returned error is an *AuthError unless ctx was done.
func (a *Authenticator) Authenticate(
	ctx context.Context, previous *common.TokenSet,
) (*common.TokenSet, error) {
	if previous != nil && previous.HasRefreshToken() {
		ts, err := a.request(ctx, a.refreshGrant(previous.RefreshToken))
		if err == nil {
			return ts, nil
		}

		var authErr *AuthError
		if !errors.As(err, &authErr) || !isRejection(authErr.Status) {
			return nil, errors.Trace(err)
		}

		logger.Warningf(
			"refresh grant rejected with status %d, falling back to %s grant",
			authErr.Status, a.primaryGrant().name,
		)
	}

	ts, err := a.request(ctx, a.primaryGrant())
	if err != nil {
		return nil, errors.Trace(err)
	}

	return ts, nil
}

func (a *Authenticator) primaryGrant() grant {
	cred := a.params.Credential

	switch cred.Kind() {
	case common.CredentialPassword:
		return a.passwordGrant(nil)

	case common.CredentialClientAssertion:
		return grant{
			name: "client assertion",
			form: func() (url.Values, error) {
				assertion, err := a.signer.sign(a.params.clock.Now())
				if err != nil {
					return nil, errors.Trace(err)
				}

				return url.Values{
					"grant_type":            {GrantClientCredentials},
					"client_id":             {cred.ClientID},
					"scope":                 {a.params.Scope},
					"client_assertion_type": {clientAssertionType},
					"client_assertion":      {assertion},
				}, nil
			},
			permanent: isClientCredentialsPermanent,
		}
	}

	return grant{
		name: GrantClientCredentials,
		form: func() (url.Values, error) {
			return url.Values{
				"grant_type":    {GrantClientCredentials},
				"client_id":     {cred.ClientID},
				"client_secret": {cred.ClientSecret},
				"scope":         {a.params.Scope},
			}, nil
		},
		permanent: isClientCredentialsPermanent,
	}
}

// passwordGrant returns the password grant; extra fields are added to the
// form, which is how a password change is requested.
func (a *Authenticator) passwordGrant(extra url.Values) grant {
	cred := a.params.Credential

	return grant{
		name: GrantPassword,
		form: func() (url.Values, error) {
			form := url.Values{
				"client_id":                  {cred.EffectiveClientID()},
				"username":                   {cred.Username},
				"grant_type":                 {GrantPassword},
				"password":                   {cred.Password},
				"scope":                      {a.params.Scope},
				"takeExclusiveSignOnControl": {"true"},
			}
			if cred.ClientSecret != "" {
				form.Set("client_secret", cred.ClientSecret)
			}
			for k, v := range extra {
				form[k] = v
			}
			return form, nil
		},
		permanent: func(status int) bool {
			switch status {
			case http.StatusBadRequest, http.StatusUnauthorized,
				http.StatusForbidden, http.StatusUnavailableForLegalReasons:
				return true
			}
			return false
		},
	}
}

func (a *Authenticator) refreshGrant(refreshToken string) grant {
	cred := a.params.Credential

	return grant{
		name: GrantRefreshToken,
		form: func() (url.Values, error) {
			form := url.Values{
				"client_id":     {cred.EffectiveClientID()},
				"grant_type":    {GrantRefreshToken},
				"refresh_token": {refreshToken},
			}
			if cred.Username != "" {
				form.Set("username", cred.Username)
			}
			return form, nil
		},
		permanent: func(status int) bool {
			switch status {
			case http.StatusBadRequest, http.StatusUnauthorized,
				http.StatusForbidden, http.StatusUnavailableForLegalReasons:
				return true
			}
			return false
		},
	}
}

func isRejection(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized
}

func isClientCredentialsPermanent(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized,
		http.StatusForbidden, http.StatusNotFound, http.StatusGone,
		http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

// request performs the grant and parses the resulting token set.
func (a *Authenticator) request(ctx context.Context, g grant) (*common.TokenSet, error) {
	resp, err := a.post(ctx, g)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ts, err := parseTokenResponse(resp.Body)
	if err != nil {
		return nil, errors.Trace(&AuthError{
			Grant:  g.name,
			Status: resp.Status,
			Cause:  err,
		})
	}

	ts.ObtainedAt = a.params.clock.Now()

	logger.Debugf("%s grant succeeded, expires_in: %d", g.name, ts.ExpiresIn)

	return ts, nil
}

// post posts the grant until it gets a 200 response, following redirects
// and retrying transient failures.
func (a *Authenticator) post(ctx context.Context, g grant) (*Response, error) {
	target := a.params.AuthURL
	redirects := 0
	attempt := 0

	for {
		form, err := g.form()
		if err != nil {
			return nil, errors.Trace(err)
		}

		logger.Debugf("requesting %s grant from %s", g.name, target)

		resp, err := a.params.HTTP.PostForm(ctx, target, form, nil)

		var lastErr *AuthError

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			logger.Warningf("%s grant: %s", g.name, err)
			lastErr = &AuthError{Grant: g.name, Retryable: true, Cause: err}

		case resp.Status == http.StatusOK:
			return resp, nil

		case resp.IsRedirect():
			redirects++
			if resp.Location == "" || redirects > a.params.MaxRedirects {
				return nil, errors.Trace(&AuthError{
					Grant:  g.name,
					Status: resp.Status,
					Cause:  errors.Errorf("giving up after %d redirects", redirects-1),
				})
			}

			logger.Infof("%s grant: redirected (%d) to %s", g.name, resp.Status, resp.Location)
			target = resp.Location
			continue

		case g.permanent(resp.Status):
			logger.Errorf("%s grant rejected with status %d", g.name, resp.Status)
			return nil, errors.Trace(&AuthError{
				Grant:  g.name,
				Status: resp.Status,
				Body:   string(resp.Body),
			})

		default:
			logger.Warningf("%s grant: unexpected status %d", g.name, resp.Status)
			lastErr = &AuthError{
				Grant:     g.name,
				Status:    resp.Status,
				Retryable: true,
				Body:      string(resp.Body),
			}
		}

		attempt++
		if attempt > a.params.MaxRetries {
			return nil, errors.Trace(lastErr)
		}

		if err := a.wait(ctx, g.name, attempt); err != nil {
			return nil, errors.Trace(err)
		}
	}
}

func (a *Authenticator) wait(ctx context.Context, grantName string, attempt int) error {
	timer := a.params.clock.Timer(a.params.RetryDelay)
	defer timer.Stop()

	logger.Infof(
		"retrying %s grant in %s (attempt %d of %d)",
		grantName, a.params.RetryDelay, attempt, a.params.MaxRetries,
	)

	a.params.retrying(grantName, attempt)

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
}

func parseTokenResponse(body []byte) (*common.TokenSet, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.Annotatef(err, "parsing token response")
	}

	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	if tr.ExpiresIn == "" {
		return nil, errors.New("token response has no expires_in")
	}

	expiresIn, err := strconv.Atoi(tr.ExpiresIn.String())
	if err != nil {
		f, ferr := tr.ExpiresIn.Float64()
		if ferr != nil {
			return nil, errors.Annotatef(err, "parsing expires_in %q", tr.ExpiresIn)
		}
		expiresIn = int(f)
	}

	if expiresIn <= 0 {
		return nil, errors.Errorf("invalid expires_in %d", expiresIn)
	}

	return &common.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}
