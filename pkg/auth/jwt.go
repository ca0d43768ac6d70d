package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT = errors.New("invalid JWT token")
	ErrExpiredJWT = errors.New("JWT token expired")
)

// Roles accepted on notification connections.
const (
	RoleUser     = "user"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims represents JWT claims carried by grid clients. Region and MeterID
// scope what a user-role connection may subscribe to.
type Claims struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	Region  string `json:"region,omitempty"`
	MeterID string `json:"meter_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a new signed token for a grid client
func GenerateJWT(userID, role, region, meterID string, secret []byte, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:  userID,
		Role:    role,
		Region:  region,
		MeterID: meterID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT validates a token and returns its claims
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.Role != RoleUser && claims.Role != RoleOperator && claims.Role != RoleAdmin {
			return nil, ErrInvalidJWT
		}
		return claims, nil
	}

	return nil, ErrInvalidJWT
}
