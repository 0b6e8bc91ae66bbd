package rest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/juju/errors"

	"github.com/y3sh/rt-sdk-go/common"
)

// PasswordPolicy is a bit mask of the password policy violations.
type PasswordPolicy int

const (
	PasswordTooShort PasswordPolicy = 1 << iota
	PasswordTooWeak
	PasswordInvalidChars

	PasswordValid PasswordPolicy = 0
)

const (
	MinPasswordLength     = 30
	MinPasswordCategories = 3

	passwordSpecialChars = "~!@#$%^&*()-_=+[]{}|;:,.<>/?"
)

// PasswordPolicyError is returned when a new password doesn't satisfy the
// gateway's password policy.
type PasswordPolicyError struct {
	Mask PasswordPolicy
}

func (e *PasswordPolicyError) Error() string {
	var reasons []string
	if e.Mask&PasswordTooShort != 0 {
		reasons = append(reasons, fmt.Sprintf("shorter than %d characters", MinPasswordLength))
	}
	if e.Mask&PasswordTooWeak != 0 {
		reasons = append(reasons, fmt.Sprintf(
			"uses fewer than %d of: upper case, lower case, digits, special characters %s",
			MinPasswordCategories, passwordSpecialChars,
		))
	}
	if e.Mask&PasswordInvalidChars != 0 {
		reasons = append(reasons, "contains invalid characters")
	}

	return "new password " + strings.Join(reasons, "; ")
}

// PasswordChangeError is returned when the server refuses a password change.
type PasswordChangeError struct {
	Status int
	Body   string
}

func (e *PasswordChangeError) Error() string {
	return fmt.Sprintf("password change failed with status %d: %s", e.Status, e.Body)
}

// CheckPasswordPolicy returns the mask of policy violations of pwd;
// PasswordValid means none.
func CheckPasswordPolicy(pwd string) PasswordPolicy {
	var mask PasswordPolicy

	if len(pwd) < MinPasswordLength {
		mask |= PasswordTooShort
	}

	var upper, lower, digit, special, invalid bool
	for _, r := range pwd {
		switch {
		case r > unicode.MaxASCII:
			invalid = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecialChars, r):
			special = true
		default:
			invalid = true
		}
	}

	categories := 0
	for _, has := range []bool{upper, lower, digit, special} {
		if has {
			categories++
		}
	}

	if categories < MinPasswordCategories {
		mask |= PasswordTooWeak
	}

	if invalid {
		mask |= PasswordInvalidChars
	}

	return mask
}

// ChangePassword asks the server to change the password of the
// authenticator's credential, and returns the credential with the new
// password. The authenticator itself is not modified; create a new one with
// the returned credential to use it.
func (a *Authenticator) ChangePassword(
	ctx context.Context, newPassword string,
) (common.Credential, error) {
	cred := a.params.Credential

	if cred.Kind() != common.CredentialPassword {
		return common.Credential{}, errors.Errorf(
			"password change needs a password credential, have %s", cred,
		)
	}

	if mask := CheckPasswordPolicy(newPassword); mask != PasswordValid {
		return common.Credential{}, errors.Trace(&PasswordPolicyError{Mask: mask})
	}

	g := a.passwordGrant(url.Values{"newPassword": {newPassword}})
	g.name = "password change"
	// Only transport errors are retried; any non-200 response is final.
	g.permanent = func(status int) bool { return true }

	if _, err := a.post(ctx, g); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Status != 0 {
			return common.Credential{}, errors.Trace(&PasswordChangeError{
				Status: authErr.Status,
				Body:   authErr.Body,
			})
		}
		return common.Credential{}, errors.Trace(err)
	}

	logger.Infof("password changed for %s", cred.Username)

	return cred.WithPassword(newPassword), nil
}
