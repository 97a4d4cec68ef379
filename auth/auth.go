// Package auth resolves a client handshake into an identity. Tokens are
// issued by the booking web application; this service only verifies them.
// The legacy email+password path exists for clients that predate tokens.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Credentials is the payload of a subscription handshake: either a bearer
// token or a legacy email+password pair.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// CredentialStore looks up stored password hashes for the legacy path.
type CredentialStore interface {
	PasswordHash(ctx context.Context, email string) (string, error)
}

// Authenticator verifies handshake credentials against the shared JWT
// secret and the user store.
type Authenticator struct {
	secret []byte
	users  CredentialStore
	logger *slog.Logger
}

// New creates an Authenticator. users may be nil, in which case the legacy
// email+password path always fails.
func New(secret []byte, users CredentialStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: secret, users: users, logger: logger}
}

// Verify resolves creds to an identity (the user's email). It returns the
// empty string when no identity can be established; the cause is logged,
// never surfaced to the client beyond a generic failure.
func (a *Authenticator) Verify(ctx context.Context, creds Credentials) string {
	if creds.Token != "" {
		return a.verifyToken(creds.Token)
	}
	if creds.Email != "" && creds.Password != "" {
		return a.verifyPassword(ctx, creds.Email, creds.Password)
	}
	return ""
}

func (a *Authenticator) verifyToken(tokenString string) string {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		a.logger.Warn("Token verification failed", "error", err)
		return ""
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		a.logger.Warn("Token has no subject claim")
		return ""
	}
	return subject
}

func (a *Authenticator) verifyPassword(ctx context.Context, email, password string) string {
	if a.users == nil {
		a.logger.Warn("Legacy authentication attempted with no user store", "email", email)
		return ""
	}

	hash, err := a.users.PasswordHash(ctx, email)
	if err != nil {
		a.logger.Warn("Authentication failed, user not found", "email", email)
		return ""
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		a.logger.Warn("Authentication failed, invalid password", "email", email)
		return ""
	}
	return email
}
