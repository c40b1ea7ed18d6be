package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(name, content string) File {
	return File{Name: name, Reader: strings.NewReader(content)}
}

func TestSaveNew_WritesAndSkipsExisting(t *testing.T) {
	s := New(t.TempDir())

	saved, err := s.SaveNew("job-1", []File{file("a.pdb", "first"), file("b.pdb", "second")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdb", "b.pdb"}, saved)

	// overlapping resubmission: a.pdb must keep its original content
	saved, err = s.SaveNew("job-1", []File{file("a.pdb", "overwritten"), file("c.pdb", "third")})
	require.NoError(t, err)
	assert.Equal(t, []string{"c.pdb"}, saved)

	dir, err := s.UploadDir("job-1")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "a.pdb"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSaveNew_RejectsPathEscapes(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.SaveNew("job-1", []File{file("../evil.pdb", "x")})
	assert.ErrorIs(t, err, ErrBadFilename)

	_, err = s.SaveNew("job-1", []File{file("nested/evil.pdb", "x")})
	assert.ErrorIs(t, err, ErrBadFilename)
}

func TestArtifactPath_RejectsEscapes(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.ArtifactPath("job-1", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrBadFilename)

	path, err := s.ArtifactPath("job-1", "results.json")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("job-1", "uploads", "results.json")))
}

func TestReadArtifact(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.SaveNew("job-1", []File{file("results.log", "all good")})
	require.NoError(t, err)

	data, err := s.ReadArtifact("job-1", "results.log")
	require.NoError(t, err)
	assert.Equal(t, "all good", string(data))

	_, err = s.ReadArtifact("job-1", "missing.log")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemove_ToleratesMissingDirectory(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.SaveNew("job-1", []File{file("a.pdb", "x")})
	require.NoError(t, err)

	require.NoError(t, s.Remove("job-1"))
	_, err = os.Stat(s.JobDir("job-1"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// already gone counts as success
	assert.NoError(t, s.Remove("job-1"))
	assert.NoError(t, s.Remove("never-existed"))
}
