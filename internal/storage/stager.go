package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"
)

// maxNameAttempts bounds how many timestamps Stage tries when another
// in-flight upload already holds the assigned name.
const maxNameAttempts = 100

// maxNameBytes caps an assigned name well below the 255-byte limit of
// common filesystems, leaving room for the ".<name>.partial" copy made on
// cross-device moves.
const maxNameBytes = 200

// maxExtBytes is the longest suffix still treated as an extension.
const maxExtBytes = 16

// StagedFile is an upload that has been fully written to the temp area but
// not yet placed in a category.  Whoever holds it must either relocate it
// or discard it.
type StagedFile struct {
	TempPath     string
	OriginalName string
	AssignedName string
	Size         int64
	MimeType     string
	StagedAt     time.Time // timestamp encoded in AssignedName
}

// Stager writes incoming uploads into the temp area after enforcing the
// size and type policy.
type Stager struct {
	tempDir  string
	maxBytes int64
	now      func() time.Time
}

// NewStager returns a stager writing into <publicDir>/temp and rejecting
// files larger than maxBytes.
func NewStager(publicDir string, maxBytes int64) *Stager {
	return &Stager{
		tempDir:  filepath.Join(publicDir, tempDirName),
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// TempDir is the directory staged files are written to.
func (s *Stager) TempDir() string { return s.tempDir }

// MaxBytes is the largest accepted file size.
func (s *Stager) MaxBytes() int64 { return s.maxBytes }

// Stage checks policy and streams src into a new temp file.  declaredSize
// may be -1 when unknown; the limit is enforced on the bytes actually read
// either way.  On any error nothing is left behind in the temp area.
func (s *Stager) Stage(ctx context.Context, src io.Reader, declaredName, mimeType string, declaredSize int64) (StagedFile, error) {
	if declaredSize > s.maxBytes {
		return StagedFile{}, ErrFileTooLarge
	}
	mimeType = NormalizeMimeType(mimeType)
	if !allowedMimeTypes[mimeType] {
		return StagedFile{}, fmt.Errorf("%w: %q", ErrUnsupportedFileType, mimeType)
	}

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return StagedFile{}, fmt.Errorf("%w: create temp dir: %v", ErrStaging, err)
	}

	f, assigned, at, err := s.createExclusive(declaredName)
	if err != nil {
		return StagedFile{}, err
	}
	tempPath := f.Name()

	n, err := io.Copy(f, io.LimitReader(ctxReader{ctx: ctx, r: src}, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrFileTooLarge
	}
	if err != nil {
		_ = os.Remove(tempPath)
		if errors.Is(err, ErrFileTooLarge) {
			return StagedFile{}, err
		}
		return StagedFile{}, fmt.Errorf("%w: write %s: %v", ErrStaging, assigned, err)
	}

	return StagedFile{
		TempPath:     tempPath,
		OriginalName: declaredName,
		AssignedName: assigned,
		Size:         n,
		MimeType:     mimeType,
		StagedAt:     at,
	}, nil
}

// createExclusive opens a fresh temp file named after declaredName and the
// current time in milliseconds.  O_EXCL guarantees two concurrent uploads
// never share a file; on a clash the timestamp moves forward one
// millisecond.
func (s *Stager) createExclusive(declaredName string) (*os.File, string, time.Time, error) {
	ts := s.now()
	for i := 0; i < maxNameAttempts; i++ {
		name := AssignName(declaredName, ts)
		f, err := os.OpenFile(filepath.Join(s.tempDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, ts, nil
		}
		if errors.Is(err, syscall.ENAMETOOLONG) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EILSEQ) {
			return nil, "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFileName, declaredName)
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", time.Time{}, fmt.Errorf("%w: create temp file: %v", ErrStaging, err)
		}
		ts = ts.Add(time.Millisecond)
	}
	return nil, "", time.Time{}, fmt.Errorf("%w: no free name for %q", ErrStaging, declaredName)
}

// AssignName derives the stored name: base + "_" + unix millis + extension.
// Directory components are stripped from the declared name, control
// characters dropped and leading dots removed, so the result can neither
// escape its directory nor be hidden.  Long names are cut to maxNameBytes.
func AssignName(declaredName string, at time.Time) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, declaredName)
	base := filepath.Base(strings.ReplaceAll(clean, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}
	ext := filepath.Ext(base)
	if len(ext) > maxExtBytes {
		ext = ""
	}
	stem := strings.TrimLeft(strings.TrimSuffix(base, ext), ".")
	if stem == "" {
		// ".bashrc" style names are all extension; keep it as the stem.
		stem, ext = strings.TrimLeft(ext, "."), ""
	}
	if stem == "" {
		stem = "file"
	}
	suffix := "_" + strconv.FormatInt(at.UnixMilli(), 10) + ext
	return truncateUTF8(stem, maxNameBytes-len(suffix)) + suffix
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ctxReader stops a copy once the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
