package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"upbit-intraday/internal/config"
)

// Auth builds the short-lived bearer tokens Upbit requires on private
// endpoints. Each token is a JWT signed with HMAC-SHA256 carrying the
// access key, a UUID nonce and a millisecond timestamp. When the request
// has query or body parameters, the token additionally carries a SHA-512
// hash of the canonical (sorted, urlencoded) parameter string.
type Auth struct {
	accessKey string
	secretKey string
}

// NewAuth creates an Auth from config.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
	}
}

// HasCredentials returns whether API keys are configured.
func (a *Auth) HasCredentials() bool {
	return a.accessKey != "" && a.secretKey != ""
}

// BearerToken returns the Authorization header value for a private call.
// params may be nil for parameterless requests.
func (a *Auth) BearerToken(params url.Values) (string, error) {
	if !a.HasCredentials() {
		return "", fmt.Errorf("api credentials not configured")
	}

	claims := jwt.MapClaims{
		"access_key": a.accessKey,
		"nonce":      uuid.NewString(),
		"timestamp":  time.Now().UnixMilli(),
	}

	if len(params) > 0 {
		// url.Values.Encode sorts keys, giving the canonical query string
		sum := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return "Bearer " + token, nil
}
