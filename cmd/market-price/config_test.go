package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y3sh/rt-sdk-go/client/rest"
	"github.com/y3sh/rt-sdk-go/common"
	"github.com/y3sh/rt-sdk-go/tokens"
)

func writeFile(t *testing.T, name, contents string) string {
	filename := filepath.Join(t.TempDir(), name)
	require.NoError(t, ioutil.WriteFile(filename, []byte(contents), 0600))
	return filename
}

func loadConfig(args ...string) (*Config, error) {
	cfg, err := LoadConfig(newFlagSet("market-price"), args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("--user", "user1", "--password", "secret")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, defaultAuthURL, cfg.AuthURL)
	assert.Equal(t, defaultDiscoveryURL, cfg.DiscoveryURL)
	assert.Equal(t, rest.DefaultScope, cfg.Scope)
	assert.Equal(t, []string{defaultRIC}, cfg.RICs)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 443, cfg.Port)
	assert.False(t, cfg.HotStandby)
	assert.Nil(t, cfg.Endpoints())
	assert.Empty(t, cfg.View)
	assert.Nil(t, cfg.Posting())

	cred, err := cfg.Credential(ioutil.ReadFile)
	require.NoError(t, err)
	assert.Equal(t, common.CredentialPassword, cred.Kind())
	assert.Equal(t, tokens.PolicyProactive, cfg.Policy(cred))
}

func TestLoadConfigLayers(t *testing.T) {
	configFile := writeFile(t, "config.yaml", `
hostname: file-host.example.com
region: eu-west
ric: [TRI.N, IBM.N]
reconnect-delay: 10s
`)

	os.Setenv("RTSDK_REGION", "us-east")
	defer os.Unsetenv("RTSDK_REGION")

	os.Setenv("RTSDK_CLIENT_ID", "client1")
	defer os.Unsetenv("RTSDK_CLIENT_ID")

	cfg, err := loadConfig(
		"--config", configFile,
		"--hostname", "flag-host.example.com",
		"--client-secret", "secret",
	)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	// Flags override the environment and the file; the environment overrides
	// the file.
	assert.Equal(t, "flag-host.example.com", cfg.Hostname)
	assert.Equal(t, "us-east", cfg.Region)
	assert.Equal(t, []string{"TRI.N", "IBM.N"}, cfg.RICs)
	assert.Equal(t, 10*time.Second, cfg.ReconnectDelay)

	assert.Equal(t, []common.EndpointDescriptor{
		{Host: "flag-host.example.com", Port: 443},
	}, cfg.Endpoints())

	cred, err := cfg.Credential(ioutil.ReadFile)
	require.NoError(t, err)
	assert.Equal(t, common.CredentialClientSecret, cred.Kind())
	assert.Equal(t, tokens.PolicyLazy, cfg.Policy(cred))
}

func TestLoadConfigCreds(t *testing.T) {
	credsFile := writeFile(t, "creds.yaml", `
user: user1
password: from-file
client_id: client1
`)

	cfg, err := loadConfig("--creds", credsFile, "--password", "from-flag")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, "user1", cfg.User)
	assert.Equal(t, "from-flag", cfg.Password)
	assert.Equal(t, "client1", cfg.ClientID)

	// Unknown keys are rejected
	badFile := writeFile(t, "bad.yaml", "api_key: foo\n")
	_, err = loadConfig("--creds", badFile)
	assert.Error(t, err)
}

func TestLoadConfigStandby(t *testing.T) {
	cfg, err := loadConfig(
		"--user", "user1", "--password", "secret",
		"--hostname", "a.example.com", "--port", "8443",
		"--standby-hostname", "b.example.com",
	)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, []common.EndpointDescriptor{
		{Host: "a.example.com", Port: 8443},
		{Host: "b.example.com", Port: 443},
	}, cfg.Endpoints())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"standby without primary", []string{"--standby-hostname", "b.example.com"}},
		{"bad port", []string{"--hostname", "a.example.com", "--port", "70000"}},
		{"bad policy", []string{"--refresh-policy", "eager"}},
		{"negative post interval", []string{"--post-interval", "-1s"}},
		{"weak new password", []string{"--new-password", "short"}},
		{"unknown flag", []string{"--apikey", "foo"}},
		{"missing config file", []string{"--config", "/nonexistent/config.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestConfigCredential(t *testing.T) {
	jwkFile := writeFile(t, "key.jwk", `{"kty":"oct","k":"c2VjcmV0"}`)

	cfg := &Config{ClientID: "client1", JWKFile: jwkFile}
	cred, err := cfg.Credential(ioutil.ReadFile)
	require.NoError(t, err)
	assert.Equal(t, common.CredentialClientAssertion, cred.Kind())
	assert.Equal(t, `{"kty":"oct","k":"c2VjcmV0"}`, string(cred.JWK))

	cfg = &Config{User: "user1"}
	_, err = cfg.Credential(ioutil.ReadFile)
	assert.Equal(t, common.ErrIncompleteCredential, errors.Cause(err))

	cfg = &Config{ClientID: "client1", JWKFile: "/nonexistent/key.jwk"}
	_, err = cfg.Credential(ioutil.ReadFile)
	assert.Error(t, err)
}

func TestLoadConfigViewAndPosting(t *testing.T) {
	os.Setenv("RTSDK_VIEW", "BID,ASK")
	defer os.Unsetenv("RTSDK_VIEW")

	cfg, err := loadConfig(
		"--user", "user1", "--password", "secret",
		"--post-interval", "5s",
	)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, []string{"BID", "ASK"}, cfg.View)

	posting := cfg.Posting()
	if assert.NotNil(t, posting) {
		assert.Equal(t, 5*time.Second, posting.Interval)
		assert.Equal(t, 45.55, posting.Fields["BID"])
	}
}
