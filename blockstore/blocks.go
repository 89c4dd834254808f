package blockstore

import (
	"fmt"
	"os"

	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/digest"
)

// blockLen returns the expected length of blockID for a file of the given
// size and nominal block size: blockSize for every block but the last,
// which may be shorter.
func blockLen(fileSize int64, blockSize, blockID int) int {
	start := int64(blockID) * int64(blockSize)
	remaining := fileSize - start
	if remaining > int64(blockSize) {
		return blockSize
	}
	return int(remaining)
}

// OpenTemp ensures a .crtemp exists for filename, matching info's block
// layout, and returns it ready for WriteBlock/HasBlock calls. Calling it
// again for a filename that already has a .crtemp is a no-op: the existing
// partial download is preserved.
func (s *Store) OpenTemp(filename string, info *FileInfo) error {
	l := s.lockFor(filename)
	l.Lock()
	defer l.Unlock()

	path := s.tempPath(filename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	blockCount := info.BlockCount(s.blockSize)
	if err := createTempFile(path, blockCount); err != nil {
		return fmt.Errorf("blockstore: open temp for %s: %w", filename, err)
	}
	common.LOG.Infof("blockstore: opened crtemp for %s (%d blocks)", filename, blockCount)
	return nil
}

// WriteBlock stores blockID's bytes for filename. Writing a block that is
// already present with identical bytes is a no-op; writing one already
// present with different bytes is ErrDuplicateBlock.
func (s *Store) WriteBlock(filename string, info *FileInfo, blockID int, data []byte) error {
	l := s.lockFor(filename)
	l.Lock()
	defer l.Unlock()

	want := blockLen(info.FileSize, s.blockSize, blockID)
	if len(data) != want {
		return fmt.Errorf("%w: block %d is %d bytes, want %d", ErrSizeMismatch, blockID, len(data), want)
	}

	f, err := os.OpenFile(s.tempPath(filename), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("blockstore: open temp for %s: %w", filename, err)
	}
	defer f.Close()

	layout, err := readTempHeader(f)
	if err != nil {
		return err
	}
	if blockID < 0 || blockID >= layout.blockCount {
		return fmt.Errorf("%w: block id %d out of range [0,%d)", ErrInvalidBlockID, blockID, layout.blockCount)
	}

	pointers, err := readPointers(f, layout)
	if err != nil {
		return err
	}
	if pointers[blockID] != absentPointer {
		existing := make([]byte, want)
		if _, err := f.ReadAt(existing, int64(pointers[blockID])); err != nil {
			return fmt.Errorf("blockstore: read existing block %d: %w", blockID, err)
		}
		if string(existing) == string(data) {
			return nil
		}
		return ErrDuplicateBlock
	}

	off, err := appendData(f, data)
	if err != nil {
		return fmt.Errorf("blockstore: append block %d: %w", blockID, err)
	}
	if err := writePointer(f, layout, blockID, off); err != nil {
		return fmt.Errorf("blockstore: record pointer for block %d: %w", blockID, err)
	}
	return nil
}

// HasBlock reports whether blockID is already present for filename, in
// either the .crtemp or a finalized copy.
func (s *Store) HasBlock(filename string, info *FileInfo, blockID int) (bool, error) {
	l := s.lockFor(filename)
	l.RLock()
	defer l.RUnlock()

	if s.hasFinalLocked(filename) {
		return blockID >= 0 && blockID < info.BlockCount(s.blockSize), nil
	}

	f, err := os.Open(s.tempPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	layout, err := readTempHeader(f)
	if err != nil {
		return false, err
	}
	if blockID < 0 || blockID >= layout.blockCount {
		return false, fmt.Errorf("%w: block id %d out of range [0,%d)", ErrInvalidBlockID, blockID, layout.blockCount)
	}
	pointers, err := readPointers(f, layout)
	if err != nil {
		return false, err
	}
	return pointers[blockID] != absentPointer, nil
}

// MissingBlocks returns the block IDs not yet present for filename. It
// returns an empty slice for a finalized file.
func (s *Store) MissingBlocks(filename string, info *FileInfo) ([]int, error) {
	l := s.lockFor(filename)
	l.RLock()
	defer l.RUnlock()

	if s.hasFinalLocked(filename) {
		return nil, nil
	}

	f, err := os.Open(s.tempPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return indexRange(info.BlockCount(s.blockSize)), nil
		}
		return nil, err
	}
	defer f.Close()

	layout, err := readTempHeader(f)
	if err != nil {
		return nil, err
	}
	pointers, err := readPointers(f, layout)
	if err != nil {
		return nil, err
	}

	var missing []int
	for i, p := range pointers {
		if p == absentPointer {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func indexRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// ReadBlock returns blockID's bytes for filename, from the finalized copy
// if present, else from the .crtemp. It returns ErrNotHave if the block
// has not been written yet.
func (s *Store) ReadBlock(filename string, info *FileInfo, blockID int) ([]byte, error) {
	l := s.lockFor(filename)
	l.RLock()
	defer l.RUnlock()

	want := blockLen(info.FileSize, s.blockSize, blockID)

	if s.hasFinalLocked(filename) {
		f, err := os.Open(s.finalPath(filename))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf := make([]byte, want)
		if _, err := f.ReadAt(buf, int64(blockID)*int64(s.blockSize)); err != nil {
			return nil, fmt.Errorf("blockstore: read final block %d: %w", blockID, err)
		}
		return buf, nil
	}

	f, err := os.Open(s.tempPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotHave
		}
		return nil, err
	}
	defer f.Close()

	layout, err := readTempHeader(f)
	if err != nil {
		return nil, err
	}
	if blockID < 0 || blockID >= layout.blockCount {
		return nil, fmt.Errorf("%w: block id %d out of range [0,%d)", ErrInvalidBlockID, blockID, layout.blockCount)
	}
	pointers, err := readPointers(f, layout)
	if err != nil {
		return nil, err
	}
	if pointers[blockID] == absentPointer {
		return nil, ErrNotHave
	}
	buf := make([]byte, want)
	if _, err := f.ReadAt(buf, int64(pointers[blockID])); err != nil {
		return nil, fmt.Errorf("blockstore: read temp block %d: %w", blockID, err)
	}
	return buf, nil
}

// Finalize reassembles filename's blocks in order, verifies the result
// against info's content hash, and on success replaces the .crtemp with
// the finalized file. On a hash mismatch it clears every pointer so the
// blocks are re-fetched, and returns ErrHashMismatch; the .crtemp is kept.
func (s *Store) Finalize(filename string, info *FileInfo) error {
	l := s.lockFor(filename)
	l.Lock()
	defer l.Unlock()

	if s.hasFinalLocked(filename) {
		return nil
	}

	temp := s.tempPath(filename)
	f, err := os.OpenFile(temp, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("blockstore: open temp for finalize: %w", err)
	}
	defer f.Close()

	layout, err := readTempHeader(f)
	if err != nil {
		return err
	}
	pointers, err := readPointers(f, layout)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, info.FileSize)
	for blockID, p := range pointers {
		if p == absentPointer {
			return fmt.Errorf("blockstore: finalize %s: %w (block %d)", filename, ErrNotHave, blockID)
		}
		want := blockLen(info.FileSize, s.blockSize, blockID)
		chunk := make([]byte, want)
		if _, err := f.ReadAt(chunk, int64(p)); err != nil {
			return fmt.Errorf("blockstore: finalize %s: read block %d: %w", filename, blockID, err)
		}
		buf = append(buf, chunk...)
	}

	if digest.Sum(buf) != info.ContentHash {
		if err := resetPointers(f, layout); err != nil {
			return fmt.Errorf("blockstore: reset pointers after hash mismatch: %w", err)
		}
		common.LOG.Warnf("blockstore: finalize %s: content hash mismatch, blocks reset", filename)
		return ErrHashMismatch
	}

	finalTmp := s.finalPath(filename) + ".tmp"
	if err := os.WriteFile(finalTmp, buf, 0o644); err != nil {
		return fmt.Errorf("blockstore: write final %s: %w", filename, err)
	}
	if err := os.Rename(finalTmp, s.finalPath(filename)); err != nil {
		return fmt.Errorf("blockstore: rename final %s: %w", filename, err)
	}
	f.Close()
	if err := os.Remove(temp); err != nil {
		common.LOG.Warnf("blockstore: remove crtemp for %s after finalize: %v", filename, err)
	}
	common.LOG.Infof("blockstore: finalized %s (%d bytes)", filename, len(buf))
	return nil
}

func (s *Store) hasFinalLocked(filename string) bool {
	_, err := os.Stat(s.finalPath(filename))
	return err == nil
}
