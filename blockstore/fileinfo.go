package blockstore

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtfly/clustershare/digest"
)

// FileInfo is the parsed form of a .crinfo descriptor.
type FileInfo struct {
	Filename    string
	FileSize    int64
	CreatedAt   time.Time
	ContentHash [digest.Size]byte
}

// BlockCount returns ceil(FileSize / blockSize).
func (fi *FileInfo) BlockCount(blockSize int) int {
	return int((fi.FileSize + int64(blockSize) - 1) / int64(blockSize))
}

// Marshal renders a FileInfo as the two-line .crinfo format:
//
//	CRINFO {size} {unix_ts}\r\n
//	{hex_hash}
func (fi *FileInfo) Marshal() []byte {
	return []byte(fmt.Sprintf("CRINFO %d %d\r\n%s", fi.FileSize, fi.CreatedAt.Unix(), digest.Hex(fi.ContentHash)))
}

// ParseFileInfo parses the .crinfo format produced by Marshal. filename is
// supplied by the caller (the info file's own name), since the .crinfo body
// does not carry it.
func ParseFileInfo(filename string, data []byte) (*FileInfo, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Split(bufio.ScanLines)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty crinfo", ErrNotFound)
	}
	header := strings.TrimRight(scanner.Text(), "\r")
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[0] != "CRINFO" {
		return nil, fmt.Errorf("crinfo: malformed header %q", header)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("crinfo: bad size %q: %w", fields[1], err)
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("crinfo: bad timestamp %q: %w", fields[2], err)
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("crinfo: missing hash line")
	}
	hashLine := strings.TrimRight(scanner.Text(), "\r")
	hash, err := digest.ParseHex(hashLine)
	if err != nil {
		return nil, fmt.Errorf("crinfo: bad hash %q: %w", hashLine, err)
	}

	return &FileInfo{
		Filename:    filename,
		FileSize:    size,
		CreatedAt:   time.Unix(ts, 0).UTC(),
		ContentHash: hash,
	}, nil
}
