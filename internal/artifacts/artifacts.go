// Package artifacts stores artifact bytes on the local filesystem under
// <root>/<topicId>/<runId>/<name>. Metadata lives in the Store; this package
// only owns the bytes.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrOutsideRoot is returned for record paths that do not resolve under the
// store's root.
var ErrOutsideRoot = errors.New("artifacts: path outside root")

// FS writes and opens artifact files.
type FS struct {
	root string
}

// New returns an FS rooted at root, creating the directory if needed.
func New(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// Write stores content for a new artifact and returns its record. The
// artifact id is generated; the uri points at the content endpoint.
func (f *FS) Write(ctx context.Context, topicID, runID, name, contentType string, content []byte) (model.ArtifactRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.ArtifactRecord{}, err
	}
	clean, err := cleanName(name)
	if err != nil {
		return model.ArtifactRecord{}, err
	}
	if topicID == "" || runID == "" {
		return model.ArtifactRecord{}, fmt.Errorf("%w: topic and run are required", model.ErrValidation)
	}

	dir := filepath.Join(f.root, topicID, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.ArtifactRecord{}, fmt.Errorf("artifacts: create dir: %w", err)
	}

	// Write to a temp file first so readers never see a partial artifact.
	tmp, err := os.CreateTemp(dir, "."+clean+".*")
	if err != nil {
		return model.ArtifactRecord{}, fmt.Errorf("artifacts: create temp: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return model.ArtifactRecord{}, fmt.Errorf("artifacts: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return model.ArtifactRecord{}, fmt.Errorf("artifacts: close: %w", err)
	}
	path := filepath.Join(dir, clean)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return model.ArtifactRecord{}, fmt.Errorf("artifacts: rename: %w", err)
	}

	id := model.NewID()
	if contentType == "" {
		contentType = ContentTypeFor(clean)
	}
	return model.ArtifactRecord{
		Artifact: model.Artifact{
			ArtifactID:  id,
			Name:        clean,
			URI:         ContentURI(topicID, id),
			ContentType: contentType,
		},
		TopicID:   topicID,
		RunID:     runID,
		Path:      path,
		Size:      int64(len(content)),
		CreatedAt: model.NowMillis(),
	}, nil
}

// Open returns a reader over the bytes of rec. The caller closes it.
func (f *FS) Open(rec model.ArtifactRecord) (io.ReadSeekCloser, error) {
	path, err := f.resolve(rec.Path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact content %s", model.ErrNotFound, rec.ArtifactID)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: open: %w", err)
	}
	return file, nil
}

// ReadAll returns the full content of rec.
func (f *FS) ReadAll(rec model.ArtifactRecord) ([]byte, error) {
	r, err := f.Open(rec)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (f *FS) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: artifact has no stored content", model.ErrNotFound)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("artifacts: resolve: %w", err)
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// RemoveTopic deletes every stored artifact of topicID.
func (f *FS) RemoveTopic(topicID string) error {
	dir, err := cleanName(topicID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(f.root, dir)); err != nil {
		return fmt.Errorf("artifacts: remove topic: %w", err)
	}
	return nil
}

// ContentURI is the API path that serves an artifact's bytes.
func ContentURI(topicID, artifactID string) string {
	return "/topics/" + topicID + "/artifacts/" + artifactID
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func cleanName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" || n == "." || n == ".." || strings.ContainsAny(n, `/\`) || strings.HasPrefix(n, ".") {
		return "", fmt.Errorf("%w: invalid artifact name %q", model.ErrValidation, name)
	}
	return n, nil
}
