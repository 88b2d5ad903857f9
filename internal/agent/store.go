package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"driftfs/pkg/errdefs"
)

// fileIDPattern matches controller-assigned identifiers. Anything else is
// rejected before it can touch the filesystem.
var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// BlobStore is the agent's replica storage for a single node.
type BlobStore interface {
	Put(fileID string, r io.Reader) (int64, error)
	Get(fileID string) (io.ReadCloser, error)
	Delete(fileID string) error
	Checksum(fileID string) (string, error)
	UsedBytes() int64
	Count() int
}

// localBlobStore keeps each replica as one flat file named by its file ID.
type localBlobStore struct {
	baseDir string

	mu   sync.Mutex
	used int64
	n    int
}

// NewLocalBlobStore opens (or creates) the storage directory and scans it to
// rebuild the used-bytes figure after a restart.
func NewLocalBlobStore(baseDir string) (BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &localBlobStore{baseDir: baseDir}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("scan storage dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.used += info.Size()
		s.n++
	}
	return s, nil
}

func (s *localBlobStore) path(fileID string) (string, error) {
	if !fileIDPattern.MatchString(fileID) {
		return "", fmt.Errorf("invalid file id %q", fileID)
	}
	return filepath.Join(s.baseDir, fileID), nil
}

// Put writes the replica atomically: to a temp file first, then a rename
// into place, so a crashed write never leaves a truncated replica behind.
func (s *localBlobStore) Put(fileID string, r io.Reader) (int64, error) {
	path, err := s.path(fileID)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+fileID+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write replica: %w", err)
	}

	prev := int64(0)
	replaced := false
	if info, statErr := os.Stat(path); statErr == nil {
		prev = info.Size()
		replaced = true
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("commit replica: %w", err)
	}

	s.mu.Lock()
	s.used += written - prev
	if !replaced {
		s.n++
	}
	s.mu.Unlock()
	return written, nil
}

func (s *localBlobStore) Get(fileID string) (io.ReadCloser, error) {
	path, err := s.path(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errdefs.ErrFileNotFound
	}
	return f, err
}

func (s *localBlobStore) Delete(fileID string) error {
	path, err := s.path(fileID)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errdefs.ErrFileNotFound
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove replica: %w", err)
	}

	s.mu.Lock()
	s.used -= info.Size()
	s.n--
	s.mu.Unlock()
	return nil
}

// Checksum hashes the bytes actually on disk, so bit rot is detected rather
// than papered over by a cached value.
func (s *localBlobStore) Checksum(fileID string) (string, error) {
	f, err := s.Get(fileID)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash replica: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *localBlobStore) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *localBlobStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
