package blob

import (
	"fmt"
	"os"
	"path/filepath"
)

// Buckets attachments are stored under.
const (
	BucketThumbnails = "thumbnails"
	BucketImages     = "images"
	BucketVideos     = "videos"
)

// Store holds raw attachment bytes outside the message records. Upload
// returns the reference that replaces the inline bytes in the stored message.
type Store interface {
	Upload(bucket, id string, data []byte) (string, error)
	Delete(bucket, id string) error
}

// FileStore keeps blobs on the local filesystem under root/bucket/id and
// serves them back through the static file route.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Upload(bucket, id string, data []byte) (string, error) {
	dir := filepath.Join(s.root, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bucket dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return "/blobs/" + bucket + "/" + id, nil
}

func (s *FileStore) Delete(bucket, id string) error {
	err := os.Remove(filepath.Join(s.root, bucket, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
