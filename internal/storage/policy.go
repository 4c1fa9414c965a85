package storage

import (
	"mime"
	"strings"
)

// allowedMimeTypes is the upload allow-list: images, PDF, Word documents,
// plain text, archives, MP4 video and MP3 audio.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":                   true,
	"application/zip":              true,
	"application/x-rar-compressed": true,
	"video/mp4":                    true,
	"audio/mpeg":                   true,
}

// NormalizeMimeType lower-cases a Content-Type and drops its parameters, so
// "Text/Plain; charset=utf-8" becomes "text/plain".
func NormalizeMimeType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// MimeAllowed reports whether contentType is on the allow-list.
func MimeAllowed(contentType string) bool {
	return allowedMimeTypes[NormalizeMimeType(contentType)]
}
