// Package image provides the opaque append-only image stream contracts the
// dump and restore paths write their collected state through (spec §6). The
// wire format of a real image (CRIU's own protobuf-framed entries) is out of
// scope; this package defines a minimal concrete stand-in — a length-prefixed
// record stream per file, under a directory guarded by an advisory lock —
// that exercises the same write_record/write_bytes/read_record/read_bytes/
// open_image_ro contract without claiming format compatibility.
//
// The Writer/Reader split and the directory-scoped open mirrors
// pkg/sentry/state's SaveOpts/LoadOpts split: one side only ever writes, the
// other only ever reads, and both are handed an io.Writer/io.Reader rather
// than reaching for the filesystem themselves.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/typeurl"
	"github.com/gofrs/flock"
)

// Kind names one image stream within a dump, e.g. "pagemap", "sk-unix",
// "sk-inet". Each kind gets its own file under the image directory.
type Kind string

const lockFileName = ".crcore.lock"

// Dir is an open image directory: a set of Kind-named record streams guarded
// by a single advisory lock for the directory's lifetime, the way a single
// statefile guards one save/load pass in pkg/sentry/state.
type Dir struct {
	path string
	lock *flock.Flock
}

// OpenDir takes the advisory lock on path and returns a handle for creating
// or opening image streams within it. The directory is created if absent.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating image dir %q: %w", path, err)
	}
	lk := flock.New(filepath.Join(path, lockFileName))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking image dir %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("image dir %q is held by another process", path)
	}
	return &Dir{path: path, lock: lk}, nil
}

// Close releases the directory's advisory lock.
func (d *Dir) Close() error {
	return d.lock.Unlock()
}

// Create opens kind for writing, truncating any existing stream of that
// kind. Metadata, if non-nil, is encoded once as the stream's header.
func (d *Dir) Create(kind Kind, metadata map[string]string) (*Writer, error) {
	f, err := os.OpenFile(d.filePath(kind), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating image stream %q: %w", kind, err)
	}
	w := &Writer{f: f}
	if err := w.writeHeader(metadata); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenRO opens kind for reading, the open_image_ro of spec §6.
func (d *Dir) OpenRO(kind Kind) (*Reader, error) {
	f, err := os.Open(d.filePath(kind))
	if err != nil {
		return nil, fmt.Errorf("opening image stream %q: %w", kind, err)
	}
	r := &Reader{f: f}
	meta, err := r.readHeader()
	if err != nil {
		f.Close()
		return nil, err
	}
	r.Metadata = meta
	return r, nil
}

func (d *Dir) filePath(kind Kind) string {
	return filepath.Join(d.path, string(kind)+".img")
}

// FilePath exposes a stream's backing file path, for callers that need to
// open it themselves (e.g. restore's sendfile replay, which reads queued
// packet bytes from stored offsets rather than through the Reader).
func (d *Dir) FilePath(kind Kind) string {
	return d.filePath(kind)
}

// header is the fixed preamble of every image stream: a magic value so a
// misrouted file is caught immediately, followed by a typeurl-encoded
// metadata map (cmd/crcore's dump stores the source pid and tool name).
const headerMagic uint32 = 0x43524331 // "CRC1"

// Writer appends length-prefixed records to one image stream. It never
// seeks or rewrites; once a record is written it is final, matching the
// append-only discipline spec §6 requires of the real image format.
type Writer struct {
	f   *os.File
	buf [4]byte
}

func (w *Writer) writeHeader(metadata map[string]string) error {
	binary.LittleEndian.PutUint32(w.buf[:], headerMagic)
	if _, err := w.f.Write(w.buf[:]); err != nil {
		return fmt.Errorf("writing image header magic: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	packed, err := typeurl.MarshalAny(metadata)
	if err != nil {
		return fmt.Errorf("encoding image metadata: %w", err)
	}
	if err := w.writeLenPrefixed([]byte(packed.GetTypeUrl())); err != nil {
		return fmt.Errorf("writing image metadata type url: %w", err)
	}
	if err := w.writeLenPrefixed(packed.GetValue()); err != nil {
		return fmt.Errorf("writing image metadata: %w", err)
	}
	return nil
}

// WriteRecord appends a length-prefixed record containing b.
func (w *Writer) WriteRecord(b []byte) error {
	return w.writeLenPrefixed(b)
}

// Offset reports the stream's current write position, for callers that
// need to record where an upcoming raw WriteBytes payload will land (e.g.
// SK_QUEUES' {offset,length} replay records, resolved before the payload
// itself is written).
func (w *Writer) Offset() (int64, error) {
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("reading image stream offset: %w", err)
	}
	return off, nil
}

// WriteBytes appends raw bytes with no framing, for payloads (e.g. page
// data) whose length is already known to the reader from a prior record.
func (w *Writer) WriteBytes(b []byte) error {
	n, err := w.f.Write(b)
	if err != nil {
		return fmt.Errorf("writing raw image bytes: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("short write: %d/%d bytes", n, len(b))
	}
	return nil
}

func (w *Writer) writeLenPrefixed(b []byte) error {
	binary.LittleEndian.PutUint32(w.buf[:], uint32(len(b)))
	if _, err := w.f.Write(w.buf[:]); err != nil {
		return err
	}
	n, err := w.f.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short write: %d/%d bytes", n, len(b))
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader reads records back out of one image stream in the order they were
// written.
type Reader struct {
	f        *os.File
	Metadata map[string]string
	buf      [4]byte
}

func (r *Reader) readHeader() (map[string]string, error) {
	if _, err := io.ReadFull(r.f, r.buf[:]); err != nil {
		return nil, fmt.Errorf("reading image header magic: %w", err)
	}
	if got := binary.LittleEndian.Uint32(r.buf[:]); got != headerMagic {
		return nil, fmt.Errorf("image header magic mismatch: got %#x, want %#x", got, headerMagic)
	}
	typeURL, err := r.readLenPrefixed()
	if err != nil {
		return nil, fmt.Errorf("reading image metadata type url: %w", err)
	}
	payload, err := r.readLenPrefixed()
	if err != nil {
		return nil, fmt.Errorf("reading image metadata: %w", err)
	}
	meta := map[string]string{}
	if len(payload) > 0 {
		if err := typeurl.UnmarshalTo(&storedAny{typeURL: string(typeURL), value: payload}, &meta); err != nil {
			return nil, fmt.Errorf("decoding image metadata: %w", err)
		}
	}
	return meta, nil
}

// storedAny implements typeurl.Any over the (type-url, value) pair this
// package persisted, so the bytes it wrote can be handed back to
// typeurl.UnmarshalTo without pulling in a protobuf Any message type.
type storedAny struct {
	typeURL string
	value   []byte
}

func (a *storedAny) GetTypeUrl() string { return a.typeURL }
func (a *storedAny) GetValue() []byte   { return a.value }

// ReadRecord reads the next length-prefixed record. io.EOF is returned once
// no further records remain.
func (r *Reader) ReadRecord() ([]byte, error) {
	return r.readLenPrefixed()
}

// ReadBytes reads exactly n raw, unframed bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.f, b); err != nil {
		return nil, fmt.Errorf("reading %d raw image bytes: %w", n, err)
	}
	return b, nil
}

func (r *Reader) readLenPrefixed() ([]byte, error) {
	if _, err := io.ReadFull(r.f, r.buf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(r.buf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.f, b); err != nil {
			return nil, fmt.Errorf("reading record body: %w", err)
		}
	}
	return b, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
