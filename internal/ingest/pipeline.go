// Package ingest orchestrates an upload from the wire to its category
// directory: stage under size/type policy, validate the category, relocate,
// then fan out the side effects of a stored file.
package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/metrics"
	"github.com/iliyamo/course-file-server/internal/queue"
	"github.com/iliyamo/course-file-server/internal/storage"
)

// publishTimeout bounds how long a background event publish may take.
const publishTimeout = 5 * time.Second

// EventPublisher announces stored files to other systems.
type EventPublisher interface {
	PublishFileStored(ctx context.Context, ev queue.FileStoredEvent) error
}

// CacheInvalidator drops cached responses for a request path.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, path string) error
}

// Upload is one file as received from the client.
type Upload struct {
	File     io.Reader
	Name     string
	MimeType string
	Size     int64 // -1 when unknown
	Category string
}

// Pipeline wires a Stager and a Relocator together.  Events and Cache are
// optional.  A Pipeline holds no per-upload state, so one value serves all
// concurrent requests.
type Pipeline struct {
	Stager    *storage.Stager
	Relocator *storage.Relocator
	Events    EventPublisher
	Cache     CacheInvalidator
	Log       logging.Logger

	// ListingPaths returns the request paths whose cached responses list
	// category c.
	ListingPaths func(c storage.Category) []string

	wg sync.WaitGroup
}

func NewPipeline(st *storage.Stager, rel *storage.Relocator, log logging.Logger) *Pipeline {
	return &Pipeline{Stager: st, Relocator: rel, Log: log}
}

// Ingest stages up, validates its category and moves it into place.  Any
// failure after staging leaves no file behind in the temp area.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (storage.StoredFile, error) {
	staged, err := p.Stager.Stage(ctx, up.File, up.Name, up.MimeType, up.Size)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(Outcome(err)).Inc()
		return storage.StoredFile{}, err
	}

	placed := false
	defer func() {
		if !placed {
			if derr := storage.Discard(staged); derr != nil {
				p.Log.Error(ctx, "discard staged file failed", "path", staged.TempPath, "err", derr)
			}
		}
	}()

	stored, err := p.Relocator.Relocate(staged, up.Category)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(Outcome(err)).Inc()
		return storage.StoredFile{}, err
	}
	placed = true

	metrics.IngestTotal.WithLabelValues(Outcome(nil)).Inc()
	metrics.IngestBytes.WithLabelValues(string(stored.Category)).Add(float64(stored.Size))
	p.Log.Info(ctx, "file stored",
		"category", stored.Category,
		"filename", stored.AssignedName,
		"size", stored.Size,
		"mimetype", stored.MimeType,
	)

	p.invalidateListing(ctx, stored.Category)
	p.publish(ctx, stored)
	return stored, nil
}

func (p *Pipeline) invalidateListing(ctx context.Context, c storage.Category) {
	if p.Cache == nil || p.ListingPaths == nil {
		return
	}
	for _, path := range p.ListingPaths(c) {
		if err := p.Cache.Invalidate(ctx, path); err != nil {
			p.Log.Warn(ctx, "listing cache invalidation failed", "path", path, "err", err)
		}
	}
}

// publish sends the file.stored event in the background; the upload has
// already succeeded and does not wait on the broker.
func (p *Pipeline) publish(ctx context.Context, stored storage.StoredFile) {
	if p.Events == nil {
		return
	}
	ev := queue.FileStoredEvent{
		Category:     string(stored.Category),
		OriginalName: stored.OriginalName,
		Filename:     stored.AssignedName,
		URL:          stored.PublicURL,
		Size:         stored.Size,
		MimeType:     stored.MimeType,
		StoredAt:     time.Now().UTC().Format(time.RFC3339),
	}
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pctx, cancel := context.WithTimeout(bg, publishTimeout)
		defer cancel()
		if err := p.Events.PublishFileStored(pctx, ev); err != nil {
			p.Log.Warn(pctx, "publish file.stored failed", "filename", ev.Filename, "err", err)
		}
	}()
}

// Wait blocks until background publishes have finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Outcome is the metrics label for an ingestion result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "stored"
	case errors.Is(err, storage.ErrFileTooLarge):
		return "too_large"
	case errors.Is(err, storage.ErrUnsupportedFileType):
		return "unsupported_type"
	case errors.Is(err, storage.ErrInvalidCategory):
		return "invalid_category"
	case errors.Is(err, storage.ErrInvalidFileName):
		return "invalid_name"
	case errors.Is(err, storage.ErrRelocation):
		return "relocation_failed"
	default:
		return "staging_failed"
	}
}
