// Package storage owns the per-job filesystem namespace: one directory per
// job id with an uploads/ subdirectory holding submitted input files and
// everything the analyzer produces next to them.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrBadFilename = errors.New("invalid filename")

const uploadsSubdir = "uploads"

// File is a named stream of upload content.
type File struct {
	Name   string
	Reader io.Reader
}

type Store struct {
	dataDir string
}

func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.dataDir, jobID)
}

// UploadDir returns the job's uploads directory, creating it if needed.
func (s *Store) UploadDir(jobID string) (string, error) {
	dir := filepath.Join(s.dataDir, jobID, uploadsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	return dir, nil
}

// SaveNew writes each file into the job's uploads directory, skipping any
// name that already exists there. Existing files are never overwritten.
// Returns the names that were actually written, in input order.
func (s *Store) SaveNew(jobID string, files []File) ([]string, error) {
	dir, err := s.UploadDir(jobID)
	if err != nil {
		return nil, err
	}

	var saved []string
	for _, f := range files {
		name := filepath.Base(f.Name)
		if name == "" || name == "." || name == ".." || name != f.Name {
			return saved, fmt.Errorf("%w: %q", ErrBadFilename, f.Name)
		}

		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		if err := writeFile(dest, f.Reader); err != nil {
			return saved, fmt.Errorf("save %s: %w", name, err)
		}
		saved = append(saved, name)
	}
	return saved, nil
}

// ArtifactPath resolves a file inside the job's uploads directory without
// creating anything. The name must not escape the directory.
func (s *Store) ArtifactPath(jobID, name string) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == ".." || base != name {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return filepath.Join(s.dataDir, jobID, uploadsSubdir, base), nil
}

// ReadArtifact returns the contents of a produced artifact, or os.ErrNotExist.
func (s *Store) ReadArtifact(jobID, name string) ([]byte, error) {
	path, err := s.ArtifactPath(jobID, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes the whole job directory. A missing directory is not an
// error: cleanup and deletion may race and "already gone" counts as done.
func (s *Store) Remove(jobID string) error {
	err := os.RemoveAll(s.JobDir(jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func writeFile(dest string, r io.Reader) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
