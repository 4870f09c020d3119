package httpclient

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// bearerTokenTTL bounds how long a signed POLLER_TOKEN/SECRETS_TOKEN bearer assertion stays
// valid, limiting the blast radius of a captured header.
const bearerTokenTTL = 5 * time.Minute

// BearerClaims is the claim set signed into the Authorization header sent to the poller and
// secrets services, mirroring the shape of credential/jwt_utils.go's IdentityTokenClaims.
type BearerClaims struct {
	jwt.RegisteredClaims
}

// SignBearerToken signs a short-lived JWT with the configured shared secret (POLLER_TOKEN or
// SECRETS_TOKEN) using HMAC-SHA256, since these are pre-shared strings rather than asymmetric
// keys. subject identifies which client is calling (e.g. "poller", "secrets").
func SignBearerToken(secret, subject string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("error bearer token secret must not be empty")
	}
	now := time.Now()
	claims := &BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "toxicmaster",
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(bearerTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// AuthHeader returns the value of the Authorization header sent with every poller/secrets
// request: a freshly signed bearer assertion over the configured shared secret.
func AuthHeader(secret, subject string) (string, error) {
	tok, err := SignBearerToken(secret, subject)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}
