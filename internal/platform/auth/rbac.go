package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RoleProvider  = "provider"
	RoleFrontDesk = "front_desk"
)

// HasRole reports whether roles grant any of required. Admin grants all.
func HasRole(roles []string, required ...string) bool {
	if slices.Contains(roles, RoleAdmin) {
		return true
	}
	for _, r := range required {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// RequireRole rejects the request unless the caller holds one of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
			}
			return next(c)
		}
	}
}
