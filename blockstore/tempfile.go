package blockstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// absentPointer marks a block slot that has not been written yet.
const absentPointer int32 = -1

// .crtemp on-disk layout:
//
//	CRTEMP {block_count}\r\n
//	{block_pointers}\r\n\r\n
//	{packed block data}
//
// block_pointers is block_count signed 32-bit little-endian integers.
// Pointer i, when non-negative, is the byte offset within this file where
// block i's bytes were appended — blocks arrive out of order over the
// network, so write_block always appends at end-of-file and records
// wherever that landed, rather than assuming a fixed blockID*blockSize slot.
type tempLayout struct {
	blockCount  int
	pointersOff int64 // start of the pointer array
	dataStart   int64 // first byte past "\r\n\r\n", where appends begin
}

func newTempLayout(blockCount int) tempLayout {
	header := fmt.Sprintf("CRTEMP %d\r\n", blockCount)
	pointersOff := int64(len(header))
	dataStart := pointersOff + int64(blockCount)*4 + 4 // 4 == len("\r\n\r\n")
	return tempLayout{blockCount: blockCount, pointersOff: pointersOff, dataStart: dataStart}
}

func (t tempLayout) pointerOffset(blockID int) int64 {
	return t.pointersOff + int64(blockID)*4
}

// createTempFile creates a fresh .crtemp with every pointer set to
// absentPointer and an empty data section. It fails if path already exists.
func createTempFile(path string, blockCount int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	layout := newTempLayout(blockCount)
	if _, err := f.WriteString(fmt.Sprintf("CRTEMP %d\r\n", blockCount)); err != nil {
		return err
	}

	pointers := make([]byte, blockCount*4+4)
	absent := absentPointer
	for i := 0; i < blockCount; i++ {
		binary.LittleEndian.PutUint32(pointers[i*4:i*4+4], uint32(absent))
	}
	copy(pointers[blockCount*4:], "\r\n\r\n")
	if _, err := f.Write(pointers); err != nil {
		return err
	}
	_ = layout
	return nil
}

// readTempHeader reads the header line of the already-open f and returns
// its declared block count together with the layout derived from it.
func readTempHeader(f *os.File) (tempLayout, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return tempLayout{}, err
	}
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil {
		return tempLayout{}, fmt.Errorf("crtemp: read header: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "CRTEMP" {
		return tempLayout{}, fmt.Errorf("crtemp: malformed header %q", line)
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return tempLayout{}, fmt.Errorf("crtemp: bad block count %q: %w", fields[1], err)
	}
	return newTempLayout(count), nil
}

func readPointers(f *os.File, layout tempLayout) ([]int32, error) {
	buf := make([]byte, layout.blockCount*4)
	if _, err := f.ReadAt(buf, layout.pointersOff); err != nil {
		return nil, fmt.Errorf("crtemp: read pointer table: %w", err)
	}
	pointers := make([]int32, layout.blockCount)
	for i := range pointers {
		pointers[i] = int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return pointers, nil
}

func writePointer(f *os.File, layout tempLayout, blockID int, offset int64) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(offset)))
	_, err := f.WriteAt(b[:], layout.pointerOffset(blockID))
	return err
}

// appendData appends data at end-of-file and returns the offset it landed
// at.
func appendData(f *os.File, data []byte) (int64, error) {
	off, err := f.Seek(0, 2)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	return off, nil
}

// resetPointers clears every pointer back to absentPointer, used when a
// finalize hash check fails and the blocks must be re-fetched.
func resetPointers(f *os.File, layout tempLayout) error {
	pointers := make([]byte, layout.blockCount*4)
	absent := absentPointer
	for i := 0; i < layout.blockCount; i++ {
		binary.LittleEndian.PutUint32(pointers[i*4:i*4+4], uint32(absent))
	}
	_, err := f.WriteAt(pointers, layout.pointersOff)
	return err
}
