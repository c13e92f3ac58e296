package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Archive keeps a copy of every submitted source image.
type Archive struct {
	store FileStorage
	now   func() time.Time
}

// NewArchive wraps a FileStorage.
func NewArchive(store FileStorage) *Archive {
	return &Archive{store: store, now: time.Now}
}

// Key returns the object key for a job's source image.
func (a *Archive) Key(ownerID, jobID string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	return path.Join("sources", sanitize(ownerID), a.now().UTC().Format("2006/01/02"), sanitize(jobID)+".jpg")
}

// ArchiveSource stores a normalised JPEG and returns its URL.
func (a *Archive) ArchiveSource(ctx context.Context, ownerID, jobID string, jpeg []byte) (string, error) {
	key := a.Key(ownerID, jobID)
	if err := a.store.Put(ctx, key, bytes.NewReader(jpeg), "image/jpeg"); err != nil {
		return "", fmt.Errorf("archive source %s: %w", jobID, err)
	}
	return a.store.GetURL(key), nil
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(s)
}
