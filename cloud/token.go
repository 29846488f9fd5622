package cloud

import (
	"crypto/ecdsa"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

// ParsePrivateKey decodes a PEM encoded EC private key.
func ParsePrivateKey(pem []byte) (*ecdsa.PrivateKey, error) {
	return jwt.ParseECPrivateKeyFromPEM(pem)
}

// NewToken signs an ES256 device token valid for ttl from now.
func NewToken(key *ecdsa.PrivateKey, deviceID string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.StandardClaims{
		Id:        uuid.NewString(),
		Subject:   deviceID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	return token.SignedString(key)
}
