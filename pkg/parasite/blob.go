package parasite

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// The actual parasite machine code — the position-independent blob this
// package injects into a victim — is built by a separate toolchain that
// compiles arch-specific PIC handlers and records the byte offsets of
// their three exported symbols (__export_parasite_head_start,
// __export_parasite_cmd, __export_parasite_args), the same split
// original_source/compel/piegen performs at CRIU's build time. That
// toolchain is out of scope here; LoadBlobFile instead reads the already-
// built artifact off disk in a small documented format, so the
// controller-side protocol in this package can be exercised against any
// blob a build step produces.
//
// Flat file format: 4-byte magic, then three little-endian uint64 symbol
// offsets (head start, cmd slot, args slot), then a little-endian uint64
// code length, then that many code bytes.
const blobMagic = "PRBL"

// LoadBlobFile reads a parasite blob previously built by an external
// toolchain.
func LoadBlobFile(path string) (Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return Blob{}, fmt.Errorf("opening parasite blob %q: %w", path, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return Blob{}, fmt.Errorf("reading blob magic: %w", err)
	}
	if string(magic[:]) != blobMagic {
		return Blob{}, fmt.Errorf("blob %q: bad magic %q", path, magic)
	}

	var offs [3]uint64
	for i := range offs {
		var b [8]byte
		if _, err := io.ReadFull(f, b[:]); err != nil {
			return Blob{}, fmt.Errorf("reading blob symbol offset %d: %w", i, err)
		}
		offs[i] = binary.LittleEndian.Uint64(b[:])
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return Blob{}, fmt.Errorf("reading blob code length: %w", err)
	}
	codeLen := binary.LittleEndian.Uint64(lenBuf[:])

	code := make([]byte, codeLen)
	if _, err := io.ReadFull(f, code); err != nil {
		return Blob{}, fmt.Errorf("reading blob code: %w", err)
	}

	return Blob{
		Code:         code,
		HeadStartOff: uintptr(offs[0]),
		CmdOff:       uintptr(offs[1]),
		ArgsOff:      uintptr(offs[2]),
	}, nil
}

// StubBlob is a non-functional placeholder blob for exercising the
// transport's bookkeeping (offsets, symbol resolution); cmd/crcore's dump
// falls back to it when no blob path is given. Its "code" is a single trap
// instruction, so it runs no real command handlers.
func StubBlob() Blob {
	return Blob{
		Code:         []byte{0xcc}, // int3
		HeadStartOff: 0,
		CmdOff:       1,
		ArgsOff:      1 + 4,
	}
}
