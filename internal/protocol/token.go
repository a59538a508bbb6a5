package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken is returned when a token fails signature or expiry checks.
var ErrInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	TenantID  string `json:"tenant_id"`
	ExpiresAt int64  `json:"exp"`
}

// SignToken mints an HMAC-SHA256 signed access token for a tenant, valid for
// the given duration. Injected into META when a script's config sets
// allow_full_access.
func SignToken(tenantID, secret string, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		TenantID:  tenantID,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + sign(encoded, secret), nil
}

// VerifyToken checks a token's signature and expiry, returning the tenant id.
func VerifyToken(token, secret string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(sign(encoded, secret))) {
		return "", ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return "", ErrInvalidToken
	}
	return claims.TenantID, nil
}

func sign(encoded, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
