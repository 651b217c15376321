package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/cproto"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures session authentication. With neither a JWT secret
// nor users every login is accepted.
type AuthConfig struct {
	// JWTSecret is the shared secret for HS256/384/512 tokens
	JWTSecret string

	// Issuer is the expected "iss" claim (optional)
	Issuer string

	// Audience is the expected "aud" claim (optional)
	Audience string

	// NameClaim and EmailClaim name the identity claims (default: name, email)
	NameClaim  string
	EmailClaim string

	// Users maps user names to bcrypt password hashes
	Users map[string]string
}

// Enabled reports whether logins must carry credentials
func (a *AuthConfig) Enabled() bool {
	return a != nil && (a.JWTSecret != "" || len(a.Users) > 0)
}

var anonymous = core.Identity{Name: "anonymous", Email: "anonymous@rxbind.local"}

type authResult struct {
	identity  core.Identity
	expiresAt time.Time
}

// authenticate checks the credentials of a login
func (a *AuthConfig) authenticate(login cproto.LoginArgs) (authResult, error) {
	if !a.Enabled() {
		return authResult{identity: anonymous}, nil
	}
	switch {
	case login.Token != "":
		return a.validateJWT(login.Token)
	case login.User != "":
		return a.validatePassword(login.User, login.Password)
	}
	return authResult{}, errors.New("authentication required")
}

func (a *AuthConfig) validatePassword(user, password string) (authResult, error) {
	hash, ok := a.Users[user]
	if !ok {
		return authResult{}, errors.New("invalid user or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return authResult{}, errors.New("invalid user or password")
	}
	return authResult{identity: core.Identity{Name: user}}, nil
}

func (a *AuthConfig) validateJWT(tokenString string) (authResult, error) {
	if a.JWTSecret == "" {
		return authResult{}, errors.New("token authentication is not configured")
	}
	nameClaim := a.NameClaim
	if nameClaim == "" {
		nameClaim = "name"
	}
	emailClaim := a.EmailClaim
	if emailClaim == "" {
		emailClaim = "email"
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return authResult{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return authResult{}, errors.New("invalid token claims")
	}
	if a.Issuer != "" {
		if issuer, _ := claims.GetIssuer(); issuer != a.Issuer {
			return authResult{}, fmt.Errorf("invalid issuer: expected %s, got %s", a.Issuer, issuer)
		}
	}
	if a.Audience != "" {
		audiences, _ := claims.GetAudience()
		if !slices.Contains(audiences, a.Audience) {
			return authResult{}, fmt.Errorf("invalid audience: expected %s", a.Audience)
		}
	}

	name, _ := claims[nameClaim].(string)
	email, _ := claims[emailClaim].(string)
	if name == "" && email == "" {
		return authResult{}, fmt.Errorf("token missing identity claims (%s or %s)", nameClaim, emailClaim)
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return authResult{identity: core.Identity{Name: name, Email: email}, expiresAt: expiresAt}, nil
}

// parseUsers reads "user:bcrypthash" entries
func parseUsers(entries []string) (map[string]string, error) {
	users := make(map[string]string, len(entries))
	for _, entry := range entries {
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid user entry %q, expected user:bcrypthash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid password hash for %s: %w", user, err)
		}
		users[user] = hash
	}
	return users, nil
}
