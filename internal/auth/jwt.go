package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload.
type Claims struct {
	UserID string `json:"user"`
	jwt.RegisteredClaims
}

// Manager signs and verifies bearer tokens. Keys are derived
// deterministically from the master secret, so every process sharing the
// secret verifies the same tokens.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewManager derives an Ed25519 keypair from the master secret.
func NewManager(masterSecret string) (*Manager, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	seed := sha256.Sum256([]byte(masterSecret))
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Manager{
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// CreateToken mints a token for a user.
func (m *Manager) CreateToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "iast-server",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// VerifyToken parses and verifies a token. Tokens signed with any method
// other than EdDSA are rejected outright.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
