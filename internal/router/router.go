package router // package router defines how HTTP routes are registered for the API

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-file-server/internal/handler"
	"github.com/iliyamo/course-file-server/internal/middleware"
	"github.com/iliyamo/course-file-server/internal/storage"
)

// Prefixes are the mount points of the API routes.  Older browser clients
// call everything under /api, so the routes are served at both.
var Prefixes = []string{"", "/api"}

// Deps is what the route table needs.  RateLimit and ListingCache may be
// nil.
type Deps struct {
	Auth         *handler.AuthHandler
	Uploads      *handler.UploadHandler
	Pages        handler.Pages
	Verifier     middleware.TokenVerifier
	RateLimit    echo.MiddlewareFunc
	ListingCache echo.MiddlewareFunc
	Metrics      http.Handler
	PublicDir    string
}

// Register wires every route onto e.
func Register(e *echo.Echo, d Deps) {
	RegisterRoutes(e, d)
	for _, p := range Prefixes {
		RegisterAuth(e.Group(p), d)
		RegisterFiles(e.Group(p), d)
	}
	RegisterStatic(e, d.PublicDir)
}

// RegisterRoutes registers the unauthenticated service routes.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	e.GET("/api/test", handler.APITest)
	e.GET("/", d.Pages.Home)
	e.GET("/upload", d.Pages.UploadForm)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}
}

// RegisterAuth registers the credential routes.  Register and login sit
// behind the rate limiter; profile requires a valid access token.
func RegisterAuth(g *echo.Group, d Deps) {
	limited := optional(d.RateLimit)
	g.POST("/auth/register", d.Auth.Register, limited...)
	g.POST("/auth/login", d.Auth.Login, limited...)
	g.GET("/auth/profile", d.Auth.Profile, middleware.JWTAuth(d.Verifier))
}

// RegisterFiles registers upload and folder listing.
func RegisterFiles(g *echo.Group, d Deps) {
	g.POST("/upload", d.Uploads.Upload)
	g.GET("/list-files/:folder", d.Uploads.ListFiles, optional(d.ListingCache)...)
}

// RegisterStatic serves each category directory under its own prefix.  The
// temp area is never exposed.
func RegisterStatic(e *echo.Echo, publicDir string) {
	for _, c := range storage.Categories {
		e.Static("/"+string(c), filepath.Join(publicDir, string(c)))
	}
}

// ListingPaths returns the request paths that list category c, one per
// mount point; an upload invalidates all of them.
func ListingPaths(c storage.Category) []string {
	paths := make([]string, 0, len(Prefixes))
	for _, p := range Prefixes {
		paths = append(paths, p+"/list-files/"+string(c))
	}
	return paths
}

func optional(m echo.MiddlewareFunc) []echo.MiddlewareFunc {
	if m == nil {
		return nil
	}
	return []echo.MiddlewareFunc{m}
}
