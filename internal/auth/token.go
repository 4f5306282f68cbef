package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims はセッショントークンのクレーム。
type SessionClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// TokenConfig はセッショントークンの設定。
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// IssueSessionToken はユーザーのセッショントークンを発行する。
// 戻り値のjtiはセッションの失効管理に使う。
func IssueSessionToken(userID string, cfg TokenConfig, now time.Time) (token string, jti string, err error) {
	if cfg.Secret == "" {
		return "", "", errors.New("missing token secret")
	}
	if userID == "" {
		return "", "", errors.New("missing user id")
	}
	if cfg.Expiry <= 0 {
		return "", "", errors.New("invalid token expiry")
	}

	jti = uuid.NewString()
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, jti, nil
}

// ParseSessionToken はセッショントークンを検証してクレームを返す。
func ParseSessionToken(token string, cfg TokenConfig) (*SessionClaims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing token secret")
	}

	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
