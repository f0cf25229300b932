// Package auth implements the boolean authorization contract for the
// connection handshake. Key persistence and hashing live outside this
// process; the relay only mints and verifies HMAC-signed keys.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier answers "is this caller authorized" for a presented key.
type Verifier interface {
	Verify(clientID, key string) error
}

// Issuer mints a fresh key for a handshake that asked for one.
type Issuer interface {
	Issue(clientID, clientType string) (string, error)
}

// KeyClaims is the signed content of an issued key.
type KeyClaims struct {
	Kind string `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// Keyring mints and verifies HMAC-signed keys.
type Keyring struct {
	secret []byte
	ttl    time.Duration
}

var (
	_ Verifier = (*Keyring)(nil)
	_ Issuer   = (*Keyring)(nil)
)

func NewKeyring(secret string, ttl time.Duration) *Keyring {
	return &Keyring{secret: []byte(secret), ttl: ttl}
}

func (k *Keyring) Issue(clientID, clientType string) (string, error) {
	now := time.Now()
	claims := KeyClaims{
		Kind: clientType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(k.secret)
}

func (k *Keyring) Verify(clientID, key string) error {
	token, err := jwt.ParseWithClaims(key, &KeyClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return k.secret, nil
	})
	if err != nil {
		return fmt.Errorf("key validation failed: %w", err)
	}
	claims, ok := token.Claims.(*KeyClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid key")
	}
	if claims.Subject != clientID {
		return fmt.Errorf("key subject %q does not match client %q", claims.Subject, clientID)
	}
	return nil
}
