package rest

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	assertionValidity = 1 * time.Hour
)

// assertionSigner signs the JWTs used to authenticate the client_credentials
// grant instead of a client secret.
type assertionSigner struct {
	key      jose.JSONWebKey
	method   jwt.SigningMethod
	clientID string
	audience string
}

func newAssertionSigner(jwkJSON []byte, clientID, audience string) (*assertionSigner, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(jwkJSON); err != nil {
		return nil, errors.Annotatef(err, "parsing JWK")
	}

	if key.IsPublic() {
		return nil, errors.Errorf("JWK %q is a public key, need a private one", key.KeyID)
	}

	alg := key.Algorithm
	if alg == "" {
		switch k := key.Key.(type) {
		case *rsa.PrivateKey:
			alg = jwt.SigningMethodRS256.Alg()
		case *ecdsa.PrivateKey:
			switch k.Curve.Params().BitSize {
			case 384:
				alg = jwt.SigningMethodES384.Alg()
			case 521:
				alg = jwt.SigningMethodES512.Alg()
			default:
				alg = jwt.SigningMethodES256.Alg()
			}
		case ed25519.PrivateKey:
			alg = jwt.SigningMethodEdDSA.Alg()
		default:
			return nil, errors.Errorf("unsupported JWK key type %T", key.Key)
		}
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, errors.Errorf("unsupported JWK algorithm %q", alg)
	}

	return &assertionSigner{
		key:      key,
		method:   method,
		clientID: clientID,
		audience: audience,
	}, nil
}

// sign returns a fresh assertion issued at now.
func (s *assertionSigner) sign(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionValidity)),
		ID:        uuid.NewString(),
	}

	tok := jwt.NewWithClaims(s.method, claims)
	if s.key.KeyID != "" {
		tok.Header["kid"] = s.key.KeyID
	}

	signed, err := tok.SignedString(s.key.Key)
	if err != nil {
		return "", errors.Annotatef(err, "signing client assertion")
	}

	return signed, nil
}
