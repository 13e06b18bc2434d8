package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Permission names checked by command handlers.
const (
	PermCamerasView    = "cameras:view"
	PermCamerasControl = "cameras:control"
	PermDoorsControl   = "doors:control"
	PermAlertsManage   = "alerts:manage"
	PermEventsManage   = "events:manage"
)

// RoleAdmin bypasses building membership checks (but not permission checks).
const RoleAdmin = "admin"

// Claims carries the identity and authorization grants decoded from the
// connection token. The token itself is issued elsewhere; the gateway only
// verifies and decodes it.
type Claims struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Buildings   []string `json:"buildings"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the credential grants the named permission.
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CanAccessBuilding reports whether the credential grants access to the
// building. Admins may access any building.
func (c *Claims) CanAccessBuilding(buildingID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	for _, b := range c.Buildings {
		if b == buildingID {
			return true
		}
	}
	return false
}

// DecodeToken verifies an HS256 token and extracts the claims.
func DecodeToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user id")
	}

	return claims, nil
}
