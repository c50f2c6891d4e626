package pmem

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// maxManifestPath bounds the path bytes of one manifest record. A record
// is {pool_id:int16, pathLen:uint16, size:int64, path}, followed by a
// checksum:uint64 over those bytes.
const maxManifestPath = 200

var manifestHashKey = [32]byte{} // fixed, zero key: the manifest guards against truncation/corruption, not tampering.

// manifestFile append-only-logs pool registrations to disk so a
// process can sanity-check its Registry against what was actually
// registered in a prior run, before trusting any recovered base
// address. It is not wired into Resolve()'s hot path; records are read
// back only through ReadManifest, which engine.Recover does not call.
type manifestFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open sets the backing file for manifest records. A zero-value
// manifestFile (Open never called) silently no-ops, since the manifest
// is diagnostic, not required for Registry correctness within a single
// process lifetime.
func (m *manifestFile) Open(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "pmem: open manifest %s", path)
	}
	m.path = path
	m.f = f
	return nil
}

func (m *manifestFile) append(_ context.Context, poolID int16, path string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	if len(path) > maxManifestPath {
		return errors.Errorf("pmem: manifest path too long: %s", path)
	}

	buf := make([]byte, 2+2+8+len(path))
	binary.BigEndian.PutUint16(buf[0:2], uint16(poolID))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(path)))
	binary.BigEndian.PutUint64(buf[4:12], uint64(size))
	copy(buf[12:], path)

	sum := highwayhash.Sum64(buf, manifestHashKey[:])
	sumBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(sumBytes, sum)

	if _, err := m.f.Write(buf); err != nil {
		return errors.Wrap(err, "pmem: write manifest record")
	}
	if _, err := m.f.Write(sumBytes); err != nil {
		return errors.Wrap(err, "pmem: write manifest checksum")
	}
	return nil
}

// ManifestEntry is one registration record recovered from a manifest
// file.
type ManifestEntry struct {
	PoolID int16
	Path   string
	Size   int64
}

// ReadManifest replays every valid record in the manifest at path,
// skipping any record whose checksum doesn't match —
// the manifest's own CorruptRecord analogue.
func ReadManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "pmem: read manifest %s", path)
	}

	var entries []ManifestEntry
	for len(data) > 0 {
		if len(data) < 12 {
			break
		}
		poolID := int16(binary.BigEndian.Uint16(data[0:2]))
		pathLen := int(binary.BigEndian.Uint16(data[2:4]))
		size := int64(binary.BigEndian.Uint64(data[4:12]))
		recLen := 12 + pathLen
		if len(data) < recLen+8 {
			break
		}
		record := data[:recLen]
		path := string(data[12:recLen])
		wantSum := binary.BigEndian.Uint64(data[recLen : recLen+8])
		gotSum := highwayhash.Sum64(record, manifestHashKey[:])
		data = data[recLen+8:]
		if gotSum != wantSum {
			continue // corrupt record; skip and keep replaying
		}
		entries = append(entries, ManifestEntry{PoolID: poolID, Path: path, Size: size})
	}
	return entries, nil
}
