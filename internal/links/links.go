// Package links issues and verifies signed temporary download links.
//
// A link token is an HS256 JWT whose subject is the file path. It grants
// read access to that one file until it expires, independent of the file's
// visibility and of the download button.
package links

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fruitsalade/filemanager/internal/filemanager"
)

const issuer = "filemanager"

// DefaultTTL is used when Sign is given a non-positive ttl.
const DefaultTTL = 15 * time.Minute

// Claims are the JWT claims of a link token.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer signs and verifies link tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer. The secret must be at least 32 bytes.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("link secret must be at least 32 bytes")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Sign returns a token granting access to p for ttl.
func (s *Signer) Sign(p string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	expires := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   p,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign link: %w", err)
	}
	return token, expires, nil
}

// Verify checks a token and returns the path it grants. Tampered, foreign
// and expired tokens fail with PermissionDenied.
func (s *Signer) Verify(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return "", &filemanager.Error{Kind: filemanager.PermissionDenied, Op: "verify link", Err: err}
	}
	if claims.Subject == "" {
		return "", &filemanager.Error{Kind: filemanager.PermissionDenied, Op: "verify link"}
	}
	return claims.Subject, nil
}
