package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrInvalidClaims  = errors.New("invalid token claims")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// JWTManager issues and validates HS256 access/refresh tokens whose subject
// is the user's email.
type JWTManager struct {
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	issuer          string
	revokedTokens   RevokedTokenStore
	now             func() time.Time
}

// JWTConfig configuration for JWT manager
type JWTConfig struct {
	Secret            string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	Issuer            string
	RevokedTokenStore RevokedTokenStore
	Now               func() time.Time
}

// Claims carried by both token types.
type Claims struct {
	Email     string `json:"email"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewJWTManager creates a new JWT manager instance
func NewJWTManager(config JWTConfig) (*JWTManager, error) {
	if len(config.Secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 15 * time.Minute
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "behavauth"
	}
	if config.RevokedTokenStore == nil {
		config.RevokedTokenStore = NewInMemoryRevokedStore()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &JWTManager{
		secret:          []byte(config.Secret),
		accessTokenTTL:  config.AccessTokenTTL,
		refreshTokenTTL: config.RefreshTokenTTL,
		issuer:          config.Issuer,
		revokedTokens:   config.RevokedTokenStore,
		now:             config.Now,
	}, nil
}

// GenerateTokenPair creates access and refresh tokens
func (jm *JWTManager) GenerateTokenPair(email string) (*TokenPair, error) {
	access, err := jm.sign(email, TokenTypeAccess, jm.accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := jm.sign(email, TokenTypeRefresh, jm.refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(jm.accessTokenTTL.Seconds()),
	}, nil
}

// ValidateToken checks signature, expiry, revocation and token type.
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	}, jwt.WithIssuer(jm.issuer), jwt.WithTimeFunc(jm.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Email == "" {
		return nil, ErrInvalidClaims
	}
	if wantType != "" && claims.TokenType != wantType {
		return nil, ErrWrongTokenType
	}

	isRevoked, err := jm.revokedTokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if isRevoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh spends a refresh token and returns a new pair. A refresh token
// presented a second time is rejected with ErrTokenRevoked.
func (jm *JWTManager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := jm.ValidateToken(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	fresh, err := jm.revokedTokens.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, fmt.Errorf("invalid refresh token: %w", ErrTokenRevoked)
	}
	return jm.GenerateTokenPair(claims.Email)
}

// RevokeToken adds a token to the revocation list
func (jm *JWTManager) RevokeToken(ctx context.Context, claims *Claims) error {
	_, err := jm.revokedTokens.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
	return err
}

func (jm *JWTManager) sign(email, tokenType string, ttl time.Duration) (string, error) {
	now := jm.now()
	claims := Claims{
		Email:     email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jm.issuer,
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
}
