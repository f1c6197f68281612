package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by an operator access token. Token issuance lives in the
// surrounding platform; this service only verifies.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type JWTHandler struct {
	secretKey []byte
}

func NewJWTHandler(secretKey string) *JWTHandler {
	return &JWTHandler{secretKey: []byte(secretKey)}
}

// ValidateAccessToken validates and parses a JWT access token.
func (j *JWTHandler) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
