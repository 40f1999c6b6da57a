package gitcore

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1" //nolint:gosec // G505: SHA-1 is the pack checksum function of the host format
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// packHeaderSize is "PACK" + 2 uint32s (version, object count).
const packHeaderSize = 12

// packWriteEntry records where one object landed in the pack currently
// being built, for later index construction.
type packWriteEntry struct {
	id     Hash
	offset int64
	crc    uint32
}

// PackWriter appends newly-hashed objects into a fresh pack file and
// publishes it (pack + v2 index) atomically on Breakpoint or Close. It is
// the only way new objects become durable and visible to other readers of
// the Store it was built from.
type PackWriter struct {
	store    *Store
	packDir  string
	compress int

	onPackFinish func(basename string)

	tmpPack *os.File
	tmpPath string
	sum     bytes.Buffer // mirrors everything written to tmpPack, for the trailing checksum
	offset  int64
	entries []packWriteEntry
	written map[Hash]struct{}
}

// NewPackWriter opens a new tmp pack in store's objects/pack directory.
// compressLevel follows compress/zlib's 0 (none) .. 9 (best) scale.
func NewPackWriter(store *Store, compressLevel int, onPackFinish func(basename string)) (*PackWriter, error) {
	w := &PackWriter{
		store:        store,
		packDir:      filepath.Join(store.gitDir, "objects", "pack"),
		compress:     compressLevel,
		onPackFinish: onPackFinish,
		written:      make(map[Hash]struct{}),
	}
	if err := os.MkdirAll(w.packDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}
	if err := w.openTmp(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PackWriter) openTmp() error {
	f, err := os.CreateTemp(w.packDir, "tmp.pack.*")
	if err != nil {
		return fmt.Errorf("failed to create tmp pack: %w", err)
	}
	w.tmpPack = f
	w.tmpPath = f.Name()
	w.sum.Reset()
	w.offset = 0
	w.entries = nil

	var header [packHeaderSize]byte
	copy(header[:4], "PACK")
	binary.BigEndian.PutUint32(header[4:8], 2)
	binary.BigEndian.PutUint32(header[8:12], 0) // patched in on finalize
	if err := w.writeRaw(header[:]); err != nil {
		return err
	}
	return nil
}

func (w *PackWriter) writeRaw(b []byte) error {
	if _, err := w.tmpPack.Write(b); err != nil {
		return fmt.Errorf("failed to write to tmp pack: %w", err)
	}
	w.sum.Write(b)
	w.offset += int64(len(b))
	return nil
}

// Exists reports whether id is known anywhere visible to this writer: the
// objects it has already appended to the pack currently being built, or any
// index the underlying Store knows about. It is advisory except when it
// returns true, which is authoritative — the Store is reloaded once per
// miss so packs published by other writers since this one started are seen.
func (w *PackWriter) Exists(id Hash) bool {
	if _, ok := w.written[id]; ok {
		return true
	}
	if w.store.Exists(id) {
		return true
	}
	if err := w.store.Reload(); err != nil {
		log.Printf("packwriter: reload failed: %v", err)
		return false
	}
	return w.store.Exists(id)
}

// JustWrite appends (id, kind, payload) verbatim. The caller must have
// already verified !Exists(id); duplicate writes are a caller bug, not
// something this method guards against.
func (w *PackWriter) JustWrite(id Hash, kind ObjectType, payload []byte) error {
	start := w.offset
	if err := w.writeObjectHeader(kind, int64(len(payload))); err != nil {
		return err
	}
	crc, err := w.writeCompressed(payload)
	if err != nil {
		return err
	}
	w.entries = append(w.entries, packWriteEntry{id: id, offset: start, crc: crc})
	w.written[id] = struct{}{}
	return nil
}

func (w *PackWriter) writeObjectHeader(kind ObjectType, size int64) error {
	var typeByte byte
	switch kind {
	case CommitObject:
		typeByte = packObjectCommit
	case TreeObject:
		typeByte = packObjectTree
	case BlobObject:
		typeByte = packObjectBlob
	case TagObject:
		typeByte = packObjectTag
	default:
		return fmt.Errorf("unwritable object kind %d: %w", kind, ErrCorruptObject)
	}

	first := (typeByte << 4) & 0x70
	rest := size >> 4
	b := byte(first) | byte(size&0x0F)
	if rest > 0 {
		b |= 0x80
	}
	buf := []byte{b}
	for rest > 0 {
		nb := byte(rest & 0x7F)
		rest >>= 7
		if rest > 0 {
			nb |= 0x80
		}
		buf = append(buf, nb)
	}
	return w.writeRaw(buf)
}

func (w *PackWriter) writeCompressed(payload []byte) (crc uint32, err error) {
	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, w.compress)
	if err != nil {
		return 0, fmt.Errorf("failed to create zlib writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close zlib writer: %w", err)
	}
	if err := w.writeRaw(compressed.Bytes()); err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(compressed.Bytes()), nil
}

// NewBlob encodes, hashes, and — unless already present — writes a blob.
func (w *PackWriter) NewBlob(payload []byte) (Hash, error) {
	return w.writeIfNew(BlobObject, EncodeBlob(payload))
}

// NewTree encodes, hashes, and — unless already present — writes a tree.
// entries must already be in the host format's sort order.
func (w *PackWriter) NewTree(entries []TreeEntry) (Hash, error) {
	payload, err := EncodeTree(entries)
	if err != nil {
		return "", err
	}
	return w.writeIfNew(TreeObject, payload)
}

// NewCommit encodes, hashes, and — unless already present — writes a commit.
func (w *PackWriter) NewCommit(tree Hash, parents []Hash, author, committer Signature, message string) (Hash, error) {
	payload := EncodeCommit(tree, parents, author, committer, message)
	return w.writeIfNew(CommitObject, payload)
}

func (w *PackWriter) writeIfNew(kind ObjectType, payload []byte) (Hash, error) {
	id := HashObject(kind, payload)
	if w.Exists(id) {
		return id, nil
	}
	if err := w.JustWrite(id, kind, payload); err != nil {
		return "", err
	}
	return id, nil
}

// Breakpoint finalizes the pack currently being built and opens a new one,
// returning the finalized pack's basename (without extension). Returns ""
// if the current pack has no objects — nothing to finalize.
func (w *PackWriter) Breakpoint() (string, error) {
	basename, err := w.finalize()
	if err != nil {
		return "", err
	}
	if err := w.openTmp(); err != nil {
		return "", err
	}
	return basename, nil
}

// Close finalizes any remaining pack and releases the writer. Returns ""
// if the final pack had no objects.
func (w *PackWriter) Close() (string, error) {
	return w.finalize()
}

func (w *PackWriter) finalize() (string, error) {
	if len(w.entries) == 0 {
		if err := w.tmpPack.Close(); err != nil {
			return "", fmt.Errorf("failed to close empty tmp pack: %w", err)
		}
		if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
			log.Printf("failed to remove empty tmp pack: %v", err)
		}
		return "", nil
	}

	// Patch the object count into the header now that we know it.
	countBuf := w.sum.Bytes()
	binary.BigEndian.PutUint32(countBuf[8:12], uint32(len(w.entries))) //nolint:gosec // G115: object counts fit uint32 in this format

	packSum := sha1.Sum(countBuf) //nolint:gosec // G401: pack checksum, not a security digest

	if _, err := w.tmpPack.WriteAt(countBuf[8:12], 8); err != nil {
		return "", fmt.Errorf("failed to patch pack header: %w", err)
	}
	if _, err := w.tmpPack.Write(packSum[:]); err != nil {
		return "", fmt.Errorf("failed to write pack checksum: %w", err)
	}
	if err := w.tmpPack.Close(); err != nil {
		return "", fmt.Errorf("failed to close tmp pack: %w", err)
	}

	basename := fmt.Sprintf("pack-%x", packSum)
	finalPackPath := filepath.Join(w.packDir, basename+".pack")
	finalIdxPath := filepath.Join(w.packDir, basename+".idx")

	if err := os.Rename(w.tmpPath, finalPackPath); err != nil {
		return "", fmt.Errorf("failed to publish pack: %w", err)
	}

	if err := writePackIndexV2(finalIdxPath, w.entries, packSum); err != nil {
		return "", fmt.Errorf("failed to write pack index: %w", err)
	}

	if err := w.store.Reload(); err != nil {
		log.Printf("packwriter: reload after publish failed: %v", err)
	}
	if w.onPackFinish != nil {
		w.onPackFinish(basename)
	}

	return basename, nil
}

// writePackIndexV2 writes a version-2 pack index: magic, version, fanout
// table, sorted object names, CRC32s, offsets (with a large-offset table for
// any offset >= 2 GiB, which does not fit in 31 bits), pack checksum, and index checksum — the same layout
// loadPackIndexV2 reads.
func writePackIndexV2(path string, entries []packWriteEntry, packSum [20]byte) error {
	sorted := make([]packWriteEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	var body bytes.Buffer
	body.Write([]byte{packIndexV2Magic0, packIndexV2Magic1, packIndexV2Magic2, packIndexV2Magic3})
	_ = binary.Write(&body, binary.BigEndian, uint32(2))

	var fanout [256]uint32
	for _, e := range sorted {
		raw, err := hexDecodeHash(e.id)
		if err != nil {
			return err
		}
		for i := int(raw[0]); i < 256; i++ {
			fanout[i]++
		}
	}
	for i := 0; i < 256; i++ {
		_ = binary.Write(&body, binary.BigEndian, fanout[i])
	}

	for _, e := range sorted {
		raw, err := hexDecodeHash(e.id)
		if err != nil {
			return err
		}
		body.Write(raw)
	}
	for _, e := range sorted {
		_ = binary.Write(&body, binary.BigEndian, e.crc)
	}

	var largeOffsets []uint64
	for _, e := range sorted {
		if e.offset >= int64(packIndexLargeOffsetFlag) {
			idx := uint32(len(largeOffsets))
			largeOffsets = append(largeOffsets, uint64(e.offset))
			_ = binary.Write(&body, binary.BigEndian, packIndexLargeOffsetFlag|idx)
			continue
		}
		_ = binary.Write(&body, binary.BigEndian, uint32(e.offset)) //nolint:gosec // G115: guarded above
	}
	for _, off := range largeOffsets {
		_ = binary.Write(&body, binary.BigEndian, off)
	}

	body.Write(packSum[:])
	idxSum := sha1.Sum(body.Bytes()) //nolint:gosec // G401: index checksum, not a security digest
	body.Write(idxSum[:])

	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp.idx.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func hexDecodeHash(id Hash) ([]byte, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("invalid object id %q: %w", id, ErrCorruptObject)
	}
	return raw, nil
}
