package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the role claim.
const (
	RoleDevice   = "device"
	RoleOperator = "operator"
)

// Token uses. Refresh tokens are rejected where an access token is expected.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	Role string `json:"role"`
	Use  string `json:"use"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens for one issuer name.
type Issuer struct {
	Name       string
	Key        []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an issuer.
func NewIssuer(name, key string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{Name: name, Key: []byte(key), AccessTTL: accessTTL, RefreshTTL: refreshTTL, now: time.Now}
}

// Issue issues signed access and refresh tokens.
func (i *Issuer) Issue(subject, role string) (TokenPair, error) {
	now := i.now()
	pair := TokenPair{AccessExp: now.Add(i.AccessTTL), RefreshExp: now.Add(i.RefreshTTL)}

	var err error
	if pair.AccessToken, err = i.sign(subject, role, UseAccess, now, pair.AccessExp); err != nil {
		return TokenPair{}, err
	}
	if pair.RefreshToken, err = i.sign(subject, role, UseRefresh, now, pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (i *Issuer) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := i.Parse(refreshToken, UseRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return i.Issue(claims.Subject, claims.Role)
}

func (i *Issuer) sign(subject, role, use string, now, exp time.Time) (string, error) {
	claims := Claims{
		Role: role,
		Use:  use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
}

// Parse validates a token of the given use and returns its claims.
func (i *Issuer) Parse(tokenStr, use string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.Key, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if i.Name != "" && claims.Issuer != i.Name {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Use != use {
		return Claims{}, errors.New("wrong token use")
	}
	return *claims, nil
}
