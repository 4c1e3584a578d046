package auth

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "codehakam/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions the admin surface checks for non-admin callers.
const (
	PermRejudge      = "judge:rejudge"
	PermScaleWorkers = "judge:scale"
	PermClearBox     = "judge:clear-box"
)

// UserInfo is the caller identity carried by a validated access token.
type UserInfo struct {
	ID   string
	Role string
}

// TokenService validates HS256 access tokens issued by the user service.
type TokenService struct {
	secret []byte
	issuer string
}

func NewTokenService(secret, issuer string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
	}
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func (s *TokenService) Authenticate(raw string) (UserInfo, error) {
	if raw == "" {
		return UserInfo{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{ID: claims.Subject, Role: claims.Role}, nil
}

func (s *TokenService) parseToken(raw string) (*tokenClaims, error) {
	if len(s.secret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// IsAdminRole reports whether the role bypasses per-permission grants.
func IsAdminRole(role string) bool {
	return strings.EqualFold(role, "admin") || strings.EqualFold(role, "super_admin")
}
