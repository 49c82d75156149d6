package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"identity-service/internal/config"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenVerifier validates provider bearer tokens and extracts the identity
// assertion they carry.
type TokenVerifier interface {
	Verify(tokenString string) (*IdentityAssertion, error)
}

type providerClaims struct {
	Email       string `json:"email"`
	Phone       string `json:"phone_number,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// jwtVerifier verifies RS256 tokens against the identity provider's
// public key. Issuer and audience are checked when configured.
type jwtVerifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewTokenVerifier(cfg config.AuthConfig) (TokenVerifier, error) {
	keyBytes, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier public key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse verifier public key: %w", err)
	}
	return &jwtVerifier{
		publicKey: publicKey,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
	}, nil
}

func (v *jwtVerifier) Verify(tokenString string) (*IdentityAssertion, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &providerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	return &IdentityAssertion{
		SubjectID:   claims.Subject,
		Email:       claims.Email,
		Phone:       claims.Phone,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, nil
}
