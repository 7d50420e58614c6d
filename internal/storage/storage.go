package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"nestsub/internal/metrics"
	"nestsub/internal/models"
)

// Storage errors
var (
	ErrInvalidRecord = errors.New("record body is not valid JSON")
)

// Config locates the artifact trees.
type Config struct {
	RecordsDir string
	ClipsDir   string
	Paths      models.PathDeriver
}

// FileStore persists envelope records and clip files under two roots.
// Distinct envelopes map to distinct paths, so writers never contend.
type FileStore struct {
	recordsDir string
	clipsDir   string
	paths      models.PathDeriver
}

// NewFileStore creates a FileStore. Directories are created on first write.
func NewFileStore(cfg Config) *FileStore {
	return &FileStore{
		recordsDir: cfg.RecordsDir,
		clipsDir:   cfg.ClipsDir,
		paths:      cfg.Paths,
	}
}

// RecordPath returns <records>/<day>/<stem>.<STATE>.json for env.
func (s *FileStore) RecordPath(env *models.Envelope) (string, error) {
	rel, err := s.paths.ArtifactPath(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.recordsDir, filepath.FromSlash(rel)+"."+string(env.EventThreadState)+".json"), nil
}

// ClipPath returns <clips>/<day>/<stem>.mp4 for env.
func (s *FileStore) ClipPath(env *models.Envelope) (string, error) {
	rel, err := s.paths.ArtifactPath(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.clipsDir, filepath.FromSlash(rel)+".mp4"), nil
}

// WriteRecord writes the full envelope body, indented by two spaces, and
// returns the path written. An existing record is replaced.
func (s *FileStore) WriteRecord(env *models.Envelope) (string, error) {
	path, err := s.RecordPath(env)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Raw(), "", "  "); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}

	metrics.RecordsWrittenTotal.Inc()
	metrics.RecordBytesTotal.Add(float64(buf.Len()))
	return path, nil
}

// CreateClip opens a staging file next to the clip path. Nothing is visible
// at the final path until Commit.
func (s *FileStore) CreateClip(env *models.Envelope) (*ClipFile, error) {
	path, err := s.ClipPath(env)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create clip staging file: %w", err)
	}

	return &ClipFile{file: f, path: path}, nil
}

// writeFileAtomic writes data through a temp file in the target directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create record temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}
