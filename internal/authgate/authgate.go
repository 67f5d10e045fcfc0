// Package authgate is a coarse bearer-token gate for the read-only
// debug/operator surface (internal/debugapi, internal/grpcoplog). It is
// not a tenant authentication system — that remains out of scope, per
// spec.md's Non-goals.
package authgate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies an operator permitted to read oplog data
// through the debug surface.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"op,omitempty"`
}

// ParseOperatorKeyFromEnv parses a P-256 private key from an environment
// variable value. Accepts PEM or base64-encoded DER.
func ParseOperatorKeyFromEnv(envValue string) (*ecdsa.PrivateKey, error) {
	if envValue == "" {
		return nil, fmt.Errorf("GOLEM_REPLAY_OPERATOR_KEY is required — generate with: golemreplayd keygen")
	}
	return parseECKey(envValue)
}

// GenerateOperatorKey creates a new P-256 private key and returns it
// along with its base64-DER encoding, suitable for storing in config.
func GenerateOperatorKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate operator key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshal operator key: %w", err)
	}
	return key, base64.StdEncoding.EncodeToString(der), nil
}

func parseECKey(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pem operator key: %w", err)
		}
		return key, nil
	}

	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 operator key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse der operator key: %w", err)
	}
	return key, nil
}

// IssueOperatorToken creates a short-lived ES256 JWT for an operator.
func IssueOperatorToken(key *ecdsa.PrivateKey, operator string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Operator: operator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign operator token: %w", err)
	}
	return signed, exp, nil
}

// MarshalECPublicKey returns the base64-encoded DER form of an ECDSA
// public key, suitable for storing in config next to the private key.
func MarshalECPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal operator public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParseECPublicKey parses a base64-encoded DER ECDSA public key.
func ParseECPublicKey(data string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 operator public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse operator public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("operator key is not ECDSA P-256")
	}
	return ecPub, nil
}

// ValidateOperatorToken verifies an ES256 JWT and returns its claims.
func ValidateOperatorToken(pubKey *ecdsa.PublicKey, tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pubKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse operator token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	return claims, nil
}
