package middleware // middleware holds the echo middleware shared by the route groups

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-file-server/internal/utils"
)

// TokenVerifier checks a raw access token and returns who it speaks for.
// *utils.TokenIssuer satisfies it.
type TokenVerifier interface {
	Verify(raw string) (utils.Identity, error)
}

// JWTAuth returns an Echo middleware that admits a request only when it
// carries a valid access token.  The token is the second whitespace
// separated field of the Authorization header ("Bearer <token>"); a missing
// or short header counts as no token.  On success the identity is stored in
// the context under "user_id" (uint64) and "username" (string).  On any
// failure the request ends with 401 and the next handler never runs.
func JWTAuth(v TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request().Header.Get("Authorization"))
			if raw == "" {
				return unauthorized(c, "You must be logged in")
			}

			id, err := v.Verify(raw)
			if err != nil {
				if errors.Is(err, utils.ErrTokenExpired) {
					return unauthorized(c, "Token expired")
				}
				return unauthorized(c, "Invalid token")
			}

			setIdentity(c, id)
			return next(c)
		}
	}
}

// bearerToken picks the token out of an Authorization header value.
func bearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": msg})
}
