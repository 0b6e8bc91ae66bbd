package common

import (
	"github.com/juju/errors"
)

// CredentialKind tells which primary grant a Credential is used with.
type CredentialKind int

// The following constants represent every supported CredentialKind.
const (
	// CredentialInvalid means the credential doesn't contain enough data for
	// any grant.
	CredentialInvalid CredentialKind = iota

	// CredentialPassword is username+password, optionally with a client id
	// (and a client secret); used with the password grant.
	CredentialPassword

	// CredentialClientSecret is clientId+clientSecret; used with the
	// client_credentials grant.
	CredentialClientSecret

	// CredentialClientAssertion is clientId plus a private JWK; used with the
	// client_credentials grant authenticated by a signed JWT assertion.
	CredentialClientAssertion
)

// CredentialKindNames contains human-readable names for credential kinds.
var CredentialKindNames = map[CredentialKind]string{
	CredentialInvalid:         "invalid",
	CredentialPassword:        "password",
	CredentialClientSecret:    "client-secret",
	CredentialClientAssertion: "client-assertion",
}

// ErrIncompleteCredential is returned by Credential.Validate.
var ErrIncompleteCredential = errors.New("incomplete credential")

// Credential is the immutable authentication input supplied at startup.
// Methods which "change" it return a modified copy.
type Credential struct {
	Username string
	Password string

	ClientID     string
	ClientSecret string

	// JWK is the JSON-encoded private key used to sign client assertions.
	JWK []byte
}

// Kind returns which primary grant the credential should be used with.
func (c Credential) Kind() CredentialKind {
	switch {
	case c.Username != "" && c.Password != "":
		return CredentialPassword
	case c.ClientID != "" && len(c.JWK) > 0:
		return CredentialClientAssertion
	case c.ClientID != "" && c.ClientSecret != "":
		return CredentialClientSecret
	}

	return CredentialInvalid
}

// Validate returns ErrIncompleteCredential if the credential can't be used
// with any grant.
func (c Credential) Validate() error {
	if c.Kind() == CredentialInvalid {
		return errors.Annotatef(
			ErrIncompleteCredential,
			"need username+password, clientid+clientsecret or clientid+jwk",
		)
	}

	return nil
}

// EffectiveClientID returns the client id sent with password and refresh
// grants: the configured one, or the username if none was given.
func (c Credential) EffectiveClientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}

	return c.Username
}

// WithPassword returns a copy of the credential with the password replaced.
func (c Credential) WithPassword(password string) Credential {
	c.Password = password
	return c
}

func (c Credential) String() string {
	switch c.Kind() {
	case CredentialPassword:
		return "password(" + c.Username + ")"
	case CredentialClientSecret, CredentialClientAssertion:
		return CredentialKindNames[c.Kind()] + "(" + c.ClientID + ")"
	}

	return CredentialKindNames[CredentialInvalid]
}
