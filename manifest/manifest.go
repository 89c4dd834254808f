// Package manifest maintains the cluster-wide, append-only list of shared
// filenames. The manifest is itself stored as a pseudo-file — named
// pseudoFilename below — through the same blockstore machinery a regular
// shared file uses, with its own .crinfo descriptor. The syncengine's
// BLOCK_REQUEST handler searches only the main shared-file store, not this
// one, so the manifest's own blocks are not served over CTP.
package manifest

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/digest"
)

// pseudoFilename is the manifest's name within its own blockstore. Rooting
// that store at "<sharedDir>/manifest" reproduces the on-disk paths
// manifest/.crmanifest and manifest/crinfo/.crmanifest.crinfo verbatim.
const pseudoFilename = ".crmanifest"

// Store is a peer's local mirror of the cluster manifest.
type Store struct {
	bs *blockstore.Store
}

// NewStore opens (creating if necessary) the manifest tree rooted at
// sharedDir/manifest.
func NewStore(sharedDir string, blockSize int) (*Store, error) {
	bs, err := blockstore.NewStore(joinManifestDir(sharedDir), blockSize)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &Store{bs: bs}, nil
}

func joinManifestDir(sharedDir string) string {
	if sharedDir == "" {
		return "manifest"
	}
	return sharedDir + "/manifest"
}

// Entries returns the current filename list, in append order. An empty
// manifest (nothing merged yet) returns an empty, non-nil slice.
func (s *Store) Entries() ([]string, error) {
	data, err := s.bs.ReadFinal(pseudoFilename)
	if err != nil {
		if err == blockstore.ErrNotFound {
			return []string{}, nil
		}
		return nil, err
	}
	return splitEntries(data), nil
}

// Info returns the manifest pseudo-file's current descriptor — what a
// remote peer receives as the payload of a MANIFEST_RESPONSE.
func (s *Store) Info() (*blockstore.FileInfo, error) {
	return s.bs.GetInfo(pseudoFilename)
}

// Hash returns the digest of the manifest's current serialized bytes, for
// comparison against the control server's GET .../manifestHash.
func (s *Store) Hash() ([digest.Size]byte, error) {
	entries, err := s.Entries()
	if err != nil {
		return [digest.Size]byte{}, err
	}
	return digest.Sum(serialize(entries)), nil
}

// Merge appends every filename in incoming not already present locally and
// returns the list of names actually added, in incoming's order. It never
// removes or reorders existing entries. A merge that adds nothing is a
// no-op and returns a nil slice.
func (s *Store) Merge(incoming []string) ([]string, error) {
	current, err := s.Entries()
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(current))
	for _, f := range current {
		known[f] = true
	}

	var added []string
	for _, f := range incoming {
		if f == "" || known[f] {
			continue
		}
		known[f] = true
		added = append(added, f)
	}
	if len(added) == 0 {
		return nil, nil
	}

	merged := append(append([]string{}, current...), added...)
	content := serialize(merged)
	info := &blockstore.FileInfo{
		Filename:    pseudoFilename,
		FileSize:    int64(len(content)),
		CreatedAt:   time.Now().UTC(),
		ContentHash: digest.Sum(content),
	}
	if err := s.bs.Overwrite(pseudoFilename, info, content); err != nil {
		return nil, fmt.Errorf("manifest: merge: %w", err)
	}
	return added, nil
}

func serialize(entries []string) []byte {
	return []byte(strings.Join(entries, "\r\n"))
}

func splitEntries(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	parts := strings.Split(string(data), "\r\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
