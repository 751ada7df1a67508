package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeConnect TokenType = "connect"
)

// Claims carry the two identity fields a client presents when opening a
// signaling connection. The relay routes on them and does not check them
// against any user store.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
