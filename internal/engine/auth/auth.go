// Package auth holds credential material and bearer-token handling. Keys are
// 16 hex digits, secrets 64; only SHA-256 digests are ever persisted, so a
// lost secret can only be rotated, never recovered.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Privilege levels. Lower is more privileged.
	LevelRoot  = 0
	LevelAdmin = 1

	keyBytes    = 8
	secretBytes = 32
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCredentialRevoked  = errors.New("credential revoked")
	ErrTokenNotFound      = errors.New("token not found")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
)

// PermissionError indicates the client's level is not privileged enough.
type PermissionError struct {
	Required int
	Level    int
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("level %d required (client has %d)", e.Required, e.Level)
}

// GenerateKey returns a new 16 hex digit client key.
func GenerateKey() (string, error) {
	return randomHex(keyBytes)
}

// GenerateSecret returns a new 64 hex digit client secret.
func GenerateSecret() (string, error) {
	return randomHex(secretBytes)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyHash compares a stored digest against the digest of a presented
// value in constant time.
func VerifyHash(storedHash, presentedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}

type claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for the client. A nil expiry issues
// a non-expiring token.
func IssueToken(secret []byte, clientID int64, issuedAt time.Time, expires *time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(clientID, 10),
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	if expires != nil {
		c.ExpiresAt = jwt.NewNumericDate(*expires)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// ParseToken verifies a bearer token and returns the subject client id.
func ParseToken(secret []byte, token string) (int64, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return 0, ErrTokenInvalid
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	return id, nil
}
