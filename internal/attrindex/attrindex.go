// Package attrindex implements the file-attribute index from spec.md
// §4.4: a gfid-keyed store of stat-like metadata, populated on first
// fsync of a file and refreshed on subsequent ones.
//
// Grounded on unifycr_get_file_attribute/unifycr_set_file_attribute in
// original_source/server/src/unifycr_metadata.c. The stat-like payload
// fields (mode, uid, gid, size, atime, mtime, ctime) are supplemented
// from that source; spec.md itself only says "attribute metadata",
// leaving the payload shape unspecified.
package attrindex

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/unifycr-go/unifycr/internal/kvstore"
	"github.com/unifycr-go/unifycr/internal/unifyerr"
)

const bucket = "attrs"

// FilenameSize is the fixed width, in bytes, reserved for a null-padded
// path in every attribute record (spec.md §3/§6: "filename <= PATH_MAX",
// fmeta layout "(fid, gfid, filename[PATH_MAX], stat-like)").
// original_source's UNIFYCR_MAX_FILENAME sizes this off a full PATH_MAX;
// this port caps it at 256 bytes so neither a KV value nor an fmeta shm
// record carries a 4096-byte field for every file, matching common
// filesystem NAME_MAX-scale limits instead.
const FilenameSize = 256

// FileAttr is the stat-like record kept per global file id.
type FileAttr struct {
	FID      uint64
	GFID     uint64
	Filename string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	ATime    int64
	MTime    int64
	CTime    int64
}

// Index is a gfid -> FileAttr store backed by one local kvstore bucket.
// Unlike the extent index, attribute lookups are not range-partitioned
// across delegators in this design: each client's attribute writes are
// funneled through the delegator it is attached to, which owns the
// authoritative copy for that session.
type Index struct {
	store *kvstore.Store
}

// New returns an attribute Index over store.
func New(store *kvstore.Store) *Index {
	return &Index{store: store}
}

// Put inserts or overwrites the attribute record for gfid.
func (ix *Index) Put(attr FileAttr) error {
	return ix.store.Put(bucket, encodeKey(attr.GFID), encodeValue(attr))
}

// BatchPut inserts or overwrites every record in one durable batch.
func (ix *Index) BatchPut(attrs []FileAttr) error {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]kvstore.KV, len(attrs))
	for i, a := range attrs {
		kvs[i] = kvstore.KV{Key: encodeKey(a.GFID), Value: encodeValue(a)}
	}
	return ix.store.BatchPut(bucket, kvs)
}

// Get returns the attribute record for gfid, or unifyerr.ErrNotFound if
// no fsync has ever recorded one.
func (ix *Index) Get(gfid uint64) (FileAttr, error) {
	v, found, err := ix.store.Get(bucket, encodeKey(gfid))
	if err != nil {
		return FileAttr{}, fmt.Errorf("attrindex: get %d: %w", gfid, err)
	}
	if !found {
		return FileAttr{}, unifyerr.ErrNotFound
	}
	attr, err := decodeValue(v)
	if err != nil {
		return FileAttr{}, err
	}
	attr.GFID = gfid
	return attr, nil
}

func encodeKey(gfid uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, gfid)
	return b
}

// valueSize is fid(8) + mode/uid/gid(4 each) + size/atime/mtime/ctime(8
// each) + a fixed-width, null-padded filename field. gfid is not
// repeated here since it is already the record's key.
const valueSize = 8 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + FilenameSize

func encodeValue(a FileAttr) []byte {
	b := make([]byte, valueSize)
	binary.BigEndian.PutUint64(b[0:8], a.FID)
	binary.BigEndian.PutUint32(b[8:12], a.Mode)
	binary.BigEndian.PutUint32(b[12:16], a.UID)
	binary.BigEndian.PutUint32(b[16:20], a.GID)
	binary.BigEndian.PutUint64(b[20:28], a.Size)
	binary.BigEndian.PutUint64(b[28:36], uint64(a.ATime))
	binary.BigEndian.PutUint64(b[36:44], uint64(a.MTime))
	binary.BigEndian.PutUint64(b[44:52], uint64(a.CTime))
	putFilename(b[52:52+FilenameSize], a.Filename)
	return b
}

func decodeValue(b []byte) (FileAttr, error) {
	if len(b) != valueSize {
		return FileAttr{}, fmt.Errorf("attrindex: malformed value (%d bytes)", len(b))
	}
	return FileAttr{
		FID:      binary.BigEndian.Uint64(b[0:8]),
		Mode:     binary.BigEndian.Uint32(b[8:12]),
		UID:      binary.BigEndian.Uint32(b[12:16]),
		GID:      binary.BigEndian.Uint32(b[16:20]),
		Size:     binary.BigEndian.Uint64(b[20:28]),
		ATime:    int64(binary.BigEndian.Uint64(b[28:36])),
		MTime:    int64(binary.BigEndian.Uint64(b[36:44])),
		CTime:    int64(binary.BigEndian.Uint64(b[44:52])),
		Filename: getFilename(b[52 : 52+FilenameSize]),
	}, nil
}

// putFilename copies name into a FilenameSize-wide field, truncating it
// to fit; the remainder stays zero-padded.
func putFilename(field []byte, name string) {
	n := copy(field, name)
	for i := n; i < len(field); i++ {
		field[i] = 0
	}
}

// getFilename reads a putFilename-encoded field back into a string,
// trimming the trailing null padding.
func getFilename(field []byte) string {
	return string(bytes.TrimRight(field, "\x00"))
}
