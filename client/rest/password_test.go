package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodPassword = "Abcdefghijklmnopqrstuvwxyz0123456789"

func TestCheckPasswordPolicy(t *testing.T) {
	type testCase struct {
		pwd  string
		want PasswordPolicy
	}

	cases := []testCase{
		{goodPassword, PasswordValid},
		{"abcdefghijklmnopqrstuvwxyz0123!", PasswordValid},
		{"ABCDEFGHIJKLMNOPQRSTUVWXYZ0123~", PasswordValid},
		{"Short1!", PasswordTooShort},
		{strings.Repeat("a", 30), PasswordTooWeak},
		{strings.Repeat("a", 15) + strings.Repeat("1", 15), PasswordTooWeak},
		{goodPassword + " ", PasswordInvalidChars},
		{goodPassword + "é", PasswordInvalidChars},
		{"abc def", PasswordTooShort | PasswordTooWeak | PasswordInvalidChars},
		{"", PasswordTooShort | PasswordTooWeak},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CheckPasswordPolicy(tc.pwd), "password %q", tc.pwd)
	}
}

func TestChangePassword(t *testing.T) {
	srv := newTokenServer(func(w http.ResponseWriter, r *http.Request, form url.Values) {
		writeToken(w, "access1", "refresh1", 600)
	})
	defer srv.Close()

	a, err := newTestAuthenticator(srv, testPasswordCred, newAuthMocks())
	require.NoError(t, err)

	cred, err := a.ChangePassword(context.Background(), goodPassword)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, goodPassword, cred.Password)
	assert.Equal(t, testPasswordCred.Username, cred.Username)

	// The authenticator keeps the old credential
	assert.Equal(t, "pass1", a.Credential().Password)

	require.Len(t, srv.receivedForms(), 1)
	form := srv.receivedForms()[0]
	assert.Equal(t, GrantPassword, form.Get("grant_type"))
	assert.Equal(t, "pass1", form.Get("password"))
	assert.Equal(t, goodPassword, form.Get("newPassword"))
}

func TestChangePasswordRejected(t *testing.T) {
	srv := newTokenServer(func(w http.ResponseWriter, r *http.Request, form url.Values) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	defer srv.Close()

	mocks := newAuthMocks()
	a, err := newTestAuthenticator(srv, testPasswordCred, mocks)
	require.NoError(t, err)

	_, err = a.ChangePassword(context.Background(), goodPassword)
	require.Error(t, err)

	var changeErr *PasswordChangeError
	require.True(t, errors.As(err, &changeErr), errors.ErrorStack(err))
	assert.Equal(t, http.StatusBadRequest, changeErr.Status)
	assert.Contains(t, changeErr.Body, "invalid_grant")
	assert.Empty(t, mocks.retries)
}

func TestChangePasswordPolicy(t *testing.T) {
	srv := newTokenServer(func(w http.ResponseWriter, r *http.Request, form url.Values) {
		writeToken(w, "access1", "refresh1", 600)
	})
	defer srv.Close()

	a, err := newTestAuthenticator(srv, testPasswordCred, newAuthMocks())
	require.NoError(t, err)

	_, err = a.ChangePassword(context.Background(), "weak")
	require.Error(t, err)

	var policyErr *PasswordPolicyError
	require.True(t, errors.As(err, &policyErr))
	assert.Equal(t, PasswordTooShort|PasswordTooWeak, policyErr.Mask)

	// Nothing is sent to the server
	assert.Empty(t, srv.receivedForms())
}

func TestChangePasswordNeedsPasswordCredential(t *testing.T) {
	srv := newTokenServer(func(w http.ResponseWriter, r *http.Request, form url.Values) {
		writeToken(w, "access1", "refresh1", 600)
	})
	defer srv.Close()

	a, err := newTestAuthenticator(srv, testClientSecretCred, newAuthMocks())
	require.NoError(t, err)

	_, err = a.ChangePassword(context.Background(), goodPassword)
	assert.Error(t, err)
	assert.Empty(t, srv.receivedForms())
}
