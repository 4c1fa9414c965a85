package middleware

// identity.go keeps the context keys for the authenticated caller in one
// place so handlers and the rate limiter read them the same way.

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-file-server/internal/utils"
)

const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
)

func setIdentity(c echo.Context, id utils.Identity) {
	c.Set(ctxUserID, id.UserID)
	c.Set(ctxUsername, id.Username)
}

// IdentityFrom returns the identity JWTAuth attached to c.  ok is false when
// the request did not pass through JWTAuth.
func IdentityFrom(c echo.Context) (utils.Identity, bool) {
	uid, ok := c.Get(ctxUserID).(uint64)
	if !ok {
		return utils.Identity{}, false
	}
	name, _ := c.Get(ctxUsername).(string)
	return utils.Identity{UserID: uid, Username: name}, true
}

// userID is the caller's id as a string, or "guest" for anonymous requests.
func userID(c echo.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return strconv.FormatUint(id.UserID, 10)
	}
	return "guest"
}
