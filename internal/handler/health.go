package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is a simple health-check endpoint used by load balancers and
// monitoring systems.  It returns a plain text "ok" with 200.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// APITest is the smoke endpoint browser clients hit to check the API is up.
func APITest(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"message":   "API is working!",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"server":    "File Upload Server",
	})
}

// Pages serves the optional HTML pages kept in the public directory.
type Pages struct {
	PublicDir string
}

const fallbackHome = `<!DOCTYPE html>
<html>
<head><title>File Upload Server</title></head>
<body>
    <h1>File Upload Server</h1>
    <p>Server is running successfully!</p>
    <ul>
        <li><a href="/upload">Upload Files</a></li>
        <li><a href="/api/test">Test API</a></li>
        <li><a href="/api/list-files/units">List Units</a></li>
        <li><a href="/api/list-files/lessons">List Lessons</a></li>
        <li><a href="/api/list-files/tests">List Tests</a></li>
    </ul>
</body>
</html>
`

// Home serves home.html, or a built-in index page when there is none.
func (p Pages) Home(c echo.Context) error {
	path := filepath.Join(p.PublicDir, "home.html")
	if fileExists(path) {
		return c.File(path)
	}
	return c.HTML(http.StatusOK, fallbackHome)
}

// UploadForm serves upload.html.
func (p Pages) UploadForm(c echo.Context) error {
	path := filepath.Join(p.PublicDir, "upload.html")
	if !fileExists(path) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Upload form not found"})
	}
	return c.File(path)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
