// Package blockstore implements the on-disk .crinfo/.crtemp format that
// makes block-wise file download resumable and concurrency-safe: a
// FileInfo descriptor per shared file, and a TempFile container indexed by
// per-block byte-offset pointers.
package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xtfly/clustershare/common"
)

// Store owns a peer's shared directory tree: the finalized files
// themselves, their .crinfo descriptors, and in-progress .crtemp downloads.
// All mutating operations hold a per-file exclusive lock for their
// duration; reads take a shared lock.
type Store struct {
	sharedDir string
	blockSize int

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewStore opens (creating if necessary) the shared-directory tree rooted
// at sharedDir.
func NewStore(sharedDir string, blockSize int) (*Store, error) {
	for _, sub := range []string{"", "crinfo", "crtemp"} {
		if err := os.MkdirAll(filepath.Join(sharedDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("blockstore: create %s: %w", sub, err)
		}
	}
	return &Store{
		sharedDir: sharedDir,
		blockSize: blockSize,
		locks:     make(map[string]*sync.RWMutex),
	}, nil
}

// BlockSize returns the cluster-wide block size this store was opened with.
func (s *Store) BlockSize() int { return s.blockSize }

func (s *Store) lockFor(filename string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[filename]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[filename] = l
	}
	return l
}

func (s *Store) infoPath(filename string) string {
	return filepath.Join(s.sharedDir, "crinfo", filename+".crinfo")
}

func (s *Store) tempPath(filename string) string {
	return filepath.Join(s.sharedDir, "crtemp", filename+".crtemp")
}

func (s *Store) finalPath(filename string) string {
	return filepath.Join(s.sharedDir, filename)
}

// PutInfo atomically writes filename's .crinfo descriptor. It fails with
// ErrAlreadyExists if a descriptor with the same filename but a different
// content hash is already present.
func (s *Store) PutInfo(filename string, info *FileInfo) error {
	l := s.lockFor(filename)
	l.Lock()
	defer l.Unlock()

	if existing, err := s.getInfoLocked(filename); err == nil {
		if existing.ContentHash != info.ContentHash {
			return ErrAlreadyExists
		}
		return nil
	}

	path := s.infoPath(filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, info.Marshal(), 0o644); err != nil {
		return fmt.Errorf("blockstore: write crinfo temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blockstore: rename crinfo: %w", err)
	}
	common.LOG.Infof("blockstore: wrote crinfo for %s", filename)
	return nil
}

// GetInfo returns filename's .crinfo descriptor, or ErrNotFound.
func (s *Store) GetInfo(filename string) (*FileInfo, error) {
	l := s.lockFor(filename)
	l.RLock()
	defer l.RUnlock()
	return s.getInfoLocked(filename)
}

func (s *Store) getInfoLocked(filename string) (*FileInfo, error) {
	data, err := os.ReadFile(s.infoPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ParseFileInfo(filename, data)
}

// HasFinal reports whether filename has a finalized (fully downloaded)
// copy on disk.
func (s *Store) HasFinal(filename string) bool {
	_, err := os.Stat(s.finalPath(filename))
	return err == nil
}

// ListFilenames returns every filename with a .crinfo on disk, regardless
// of whether its content has finished downloading. This is the set of
// files a peer can answer BLOCK_REQUEST/CRINFO_REQUEST for.
func (s *Store) ListFilenames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.sharedDir, "crinfo"))
	if err != nil {
		return nil, fmt.Errorf("blockstore: list crinfo dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".crinfo"))
	}
	return names, nil
}

// ReadFinal returns the full bytes of a finalized file.
func (s *Store) ReadFinal(filename string) ([]byte, error) {
	l := s.lockFor(filename)
	l.RLock()
	defer l.RUnlock()

	data, err := os.ReadFile(s.finalPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Overwrite writes content and its descriptor directly as a finalized
// file, bypassing the temp-file block dance. It is the fast path for
// share(): data the caller already possesses in full never needs to be
// pretend-downloaded block by block. Any stale .crtemp for filename is
// discarded.
func (s *Store) Overwrite(filename string, info *FileInfo, content []byte) error {
	l := s.lockFor(filename)
	l.Lock()
	defer l.Unlock()

	infoPath := s.infoPath(filename)
	infoTmp := infoPath + ".tmp"
	if err := os.WriteFile(infoTmp, info.Marshal(), 0o644); err != nil {
		return fmt.Errorf("blockstore: write crinfo temp: %w", err)
	}
	if err := os.Rename(infoTmp, infoPath); err != nil {
		return fmt.Errorf("blockstore: rename crinfo: %w", err)
	}

	finalTmp := s.finalPath(filename) + ".tmp"
	if err := os.WriteFile(finalTmp, content, 0o644); err != nil {
		return fmt.Errorf("blockstore: write final %s: %w", filename, err)
	}
	if err := os.Rename(finalTmp, s.finalPath(filename)); err != nil {
		return fmt.Errorf("blockstore: rename final %s: %w", filename, err)
	}

	if err := os.Remove(s.tempPath(filename)); err != nil && !os.IsNotExist(err) {
		common.LOG.Warnf("blockstore: remove stale crtemp for %s: %v", filename, err)
	}
	return nil
}
