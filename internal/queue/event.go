// Package queue defines message payloads exchanged over the message broker.
package queue

// FileStoredQueue is the durable queue file.stored events are published to.
const FileStoredQueue = "file.stored"

// FileStoredEvent is published after a file has been placed in its category
// directory.  It carries enough for downstream consumers to log or index the
// upload without touching the filesystem.
type FileStoredEvent struct {
	Category     string `json:"category"`
	OriginalName string `json:"original_name"`
	Filename     string `json:"filename"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimetype"`
	StoredAt     string `json:"stored_at"`
}
