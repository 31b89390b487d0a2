package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hanainplan/consultcall/internal/infra/adapters/token"
	"github.com/hanainplan/consultcall/internal/infra/appctx"
)

// JWTAuthMiddleware принимает токен из заголовка Authorization, query параметра token
// (браузерный websocket не умеет заголовки) или cookie jwt
func JWTAuthMiddleware(issuer *token.Issuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearer(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing or malformed jwt"})
			}

			userID, err := issuer.Parse(raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired jwt"})
			}

			c.SetRequest(
				c.Request().WithContext(
					appctx.WithUserID(c.Request().Context(), userID),
				),
			)

			return next(c)
		}
	}
}

func bearer(c echo.Context) string {
	if raw, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(raw)
	}

	if raw := c.QueryParam("token"); raw != "" {
		return raw
	}

	if cookie, err := c.Cookie("jwt"); err == nil {
		return cookie.Value
	}

	return ""
}
