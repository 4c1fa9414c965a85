package handler

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/course-file-server/internal/ingest"
	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/storage"
)

// multipartOverhead is the room left on top of the file limit for the
// multipart framing and the other form fields.
const multipartOverhead = 1 << 20

// RequestBodyLimit is the largest request body accepted anywhere: the file
// limit plus multipartOverhead.
func RequestBodyLimit(maxUploadBytes int64) int64 {
	return maxUploadBytes + multipartOverhead
}

// BodyLimit is echo's body limit set to RequestBodyLimit, so the global cap
// and the upload handler's cap are the same number of bytes.
func BodyLimit(maxUploadBytes int64) echo.MiddlewareFunc {
	return echomw.BodyLimit(fmt.Sprintf("%dB", RequestBodyLimit(maxUploadBytes)))
}

// isUploadRoute reports whether c was routed to the upload endpoint under
// any mount point.
func isUploadRoute(c echo.Context) bool {
	return c.Request().Method == http.MethodPost && strings.HasSuffix(c.Path(), "/upload")
}

// fileFields are the form fields a file may arrive in; "filename" is what
// the browser upload form uses.
var fileFields = []string{"file", "filename"}

// Ingester runs an upload through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (storage.StoredFile, error)
}

// FolderLister lists the files stored in a category folder.
type FolderLister interface {
	List(folder string) ([]string, error)
}

// UploadHandler serves the upload and folder listing endpoints.
type UploadHandler struct {
	Pipeline Ingester
	Folders  FolderLister
	MaxBytes int64
	Log      logging.Logger
}

func NewUploadHandler(p Ingester, f FolderLister, maxBytes int64, log logging.Logger) *UploadHandler {
	return &UploadHandler{Pipeline: p, Folders: f, MaxBytes: maxBytes, Log: log}
}

type storedPart struct {
	OriginalName string `json:"originalName"`
	Filename     string `json:"filename"`
	Category     string `json:"category"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimetype"`
	URL          string `json:"url"`
}

type uploadResp struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	File    storedPart `json:"file"`
}

// Upload accepts one multipart file plus a "category" field and stores it
// under that category.
func (h *UploadHandler) Upload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, RequestBodyLimit(h.MaxBytes))

	fh, err := formFile(c)
	if err != nil {
		return h.fail(c, err)
	}
	f, err := fh.Open()
	if err != nil {
		return h.fail(c, err)
	}
	defer f.Close()

	stored, err := h.Pipeline.Ingest(req.Context(), ingest.Upload{
		File:     f,
		Name:     fh.Filename,
		MimeType: fh.Header.Get(echo.HeaderContentType),
		Size:     fh.Size,
		Category: c.FormValue("category"),
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, uploadResp{
		Success: true,
		Message: "File uploaded successfully",
		File: storedPart{
			OriginalName: stored.OriginalName,
			Filename:     stored.AssignedName,
			Category:     string(stored.Category),
			Size:         stored.Size,
			MimeType:     stored.MimeType,
			URL:          stored.PublicURL,
		},
	})
}

// formFile returns the first file found in fileFields.  A body cut off by
// either size cap (ours or echo's BodyLimit) surfaces as
// storage.ErrFileTooLarge.
func formFile(c echo.Context) (*multipart.FileHeader, error) {
	for _, name := range fileFields {
		fh, err := c.FormFile(name)
		if err == nil {
			return fh, nil
		}
		var mbe *http.MaxBytesError
		var he *echo.HTTPError
		switch {
		case errors.As(err, &mbe):
			return nil, storage.ErrFileTooLarge
		case errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge:
			return nil, storage.ErrFileTooLarge
		case errors.Is(err, http.ErrMissingFile):
			continue
		case errors.Is(err, http.ErrNotMultipart):
			return nil, invalid("No file was selected")
		default:
			return nil, invalid("Malformed upload")
		}
	}
	return nil, invalid("No file was selected")
}

// ListFiles returns the sorted names stored in the :folder category.
func (h *UploadHandler) ListFiles(c echo.Context) error {
	names, err := h.Folders.List(c.Param("folder"))
	if errors.Is(err, storage.ErrInvalidCategory) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid folder"})
	}
	if err != nil {
		h.Log.Error(c.Request().Context(), "list folder failed", "folder", c.Param("folder"), "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Unable to read folder"})
	}
	return c.JSON(http.StatusOK, names)
}

func (h *UploadHandler) fail(c echo.Context, err error) error {
	code, msg := uploadStatus(err, h.MaxBytes)
	if code >= http.StatusInternalServerError {
		h.Log.Error(c.Request().Context(), "upload failed", "err", err)
	}
	return c.JSON(code, echo.Map{"success": false, "error": msg})
}
