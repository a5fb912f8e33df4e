package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// JWTService signs and verifies HS256 tokens. Access tokens carry the
// caller's roles, permissions and metadata; refresh tokens carry the
// same identity, roles and permissions without metadata and can be
// exchanged for a fresh access token.
type JWTService struct {
	secret        []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	nowFunc       func() time.Time
}

// Claims is the token payload.
type Claims struct {
	TokenType   models.TokenType `json:"type"`
	Name        string           `json:"name,omitempty"`
	Roles       []string         `json:"roles,omitempty"`
	Permissions []string         `json:"permissions,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTService builds a JWT helper. accessExpiry defaults to 1h and
// refreshExpiry to 7d when zero.
func NewJWTService(secret, issuer string, accessExpiry, refreshExpiry time.Duration) *JWTService {
	if accessExpiry <= 0 {
		accessExpiry = time.Hour
	}
	if refreshExpiry <= 0 {
		refreshExpiry = 7 * 24 * time.Hour
	}
	return &JWTService{
		secret:        []byte(secret),
		issuer:        issuer,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		nowFunc:       time.Now,
	}
}

// Enabled reports whether a signing secret is configured.
func (s *JWTService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// TokenPair is the issue/refresh response shape.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Issue signs an access+refresh token pair for the subject.
func (s *JWTService) Issue(subject, name string, roles, permissions []string, metadata map[string]any) (*TokenPair, error) {
	if !s.Enabled() {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("subject required")
	}

	access, err := s.sign(subject, name, roles, permissions, metadata, models.TokenAccess, s.accessExpiry)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(subject, name, roles, permissions, nil, models.TokenRefresh, s.refreshExpiry)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *JWTService) sign(subject, name string, roles, permissions []string, metadata map[string]any, typ models.TokenType, expiry time.Duration) (string, error) {
	now := s.nowFunc()
	claims := Claims{
		TokenType:   typ,
		Name:        name,
		Roles:       roles,
		Permissions: permissions,
		Metadata:    metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks the signature, expiry, and token
// type. Normal requests require an access token.
func (s *JWTService) Verify(tokenString string, want models.TokenType) (*models.AuthResult, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != want {
		return nil, ErrWrongToken
	}
	return &models.AuthResult{
		Authenticated: true,
		Subject:       claims.Subject,
		SubjectName:   claims.Name,
		Roles:         claims.Roles,
		Permissions:   claims.Permissions,
		Metadata:      claims.Metadata,
		Method:        "jwt",
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token with
// the same subject, roles, and permissions.
func (s *JWTService) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != models.TokenRefresh {
		return nil, ErrWrongToken
	}
	access, err := s.sign(claims.Subject, claims.Name, claims.Roles, claims.Permissions, claims.Metadata, models.TokenAccess, s.accessExpiry)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access}, nil
}

func (s *JWTService) parse(tokenString string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.nowFunc() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
