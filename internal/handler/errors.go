package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/repository"
	"github.com/iliyamo/course-file-server/internal/storage"
	"github.com/iliyamo/course-file-server/internal/utils"
)

var (
	// ErrValidation marks input the client can correct.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials is returned for an unknown user and for a wrong
	// password alike, so a caller cannot tell which usernames exist.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// ValidationError carries the message shown to the client.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string        { return e.Message }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// authStatus maps a credential flow error to a status and client message.
// Anything unrecognised is an internal failure and its detail stays in the
// log.
func authStatus(err error) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Message
	case errors.Is(err, repository.ErrUsernameTaken):
		return http.StatusBadRequest, "Username already taken"
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, repository.ErrUserNotFound):
		return http.StatusUnauthorized, "Invalid username or password"
	case errors.Is(err, utils.ErrTokenExpired):
		return http.StatusUnauthorized, "Token expired"
	case errors.Is(err, utils.ErrTokenInvalid):
		return http.StatusUnauthorized, "Invalid token"
	default:
		return http.StatusInternalServerError, "Something went wrong"
	}
}

// uploadStatus maps an ingestion error to a status and client message.
func uploadStatus(err error, maxBytes int64) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Message
	case errors.Is(err, storage.ErrFileTooLarge):
		return http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %s.", humanSize(maxBytes))
	case errors.Is(err, storage.ErrUnsupportedFileType):
		return http.StatusBadRequest, "File type not allowed"
	case errors.Is(err, storage.ErrInvalidCategory):
		return http.StatusBadRequest, "No category was selected"
	case errors.Is(err, storage.ErrInvalidFileName):
		return http.StatusBadRequest, "Invalid file name"
	default:
		return http.StatusInternalServerError, "Upload failed"
	}
}

func humanSize(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

// ErrorHandler replaces echo's default so framework errors (unknown route,
// oversized body, panics caught by Recover) use the same JSON shape as the
// handlers.  An oversized body is reported like any other too-large file on
// the upload route and as a plain 413 elsewhere.
func ErrorHandler(log logging.Logger, maxUploadBytes int64) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "Server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}

		var body echo.Map
		switch code {
		case http.StatusNotFound:
			body = echo.Map{"error": "Route not found"}
		case http.StatusRequestEntityTooLarge:
			if isUploadRoute(c) {
				code, msg = uploadStatus(storage.ErrFileTooLarge, maxUploadBytes)
			} else {
				msg = "Request body too large"
			}
			body = echo.Map{"success": false, "error": msg}
		default:
			if code >= http.StatusInternalServerError {
				log.Error(c.Request().Context(), "request failed", "path", c.Request().URL.Path, "err", err)
				msg = "Server error"
			}
			body = echo.Map{"success": false, "error": msg}
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			log.Warn(c.Request().Context(), "write error response failed", "err", werr)
		}
	}
}
