package pagedump

import (
	"fmt"

	"github.com/restorepoint/crcore/pkg/image"
	"github.com/restorepoint/crcore/pkg/parasite"
	"golang.org/x/sync/errgroup"
)

// Dump drives DUMPPAGES across every buffer in pp, then hands the spliced
// pipes plus iovec metadata to the page transfer writer (spec §4.6 steps
// 3-4). Splicing buffer N+1 overlaps with writing out buffer N's already-
// spliced pages, since the two touch disjoint pipes and the controller's
// only real serialization point is dispatch() against the victim.
func Dump(ctl *parasite.ControlBlock, pp *Pipe, w *image.Writer) error {
	bufs := pp.Bufs()
	if len(bufs) == 0 {
		return nil
	}

	var g errgroup.Group
	var off uint32
	spliced := make(chan *Buf, len(bufs))

	g.Go(func() error {
		defer close(spliced)
		for _, b := range bufs {
			args := parasite.DumpPagesArgs{
				NrPages: uint32(b.PagesIn),
				Off:     off,
			}
			for _, iov := range b.Iovs {
				args.Iovs = append(args.Iovs, struct{ Base, Len uint64 }{uint64(iov.Base), uint64(iov.Len)})
			}
			newOff, err := ctl.DumpPages(b.WriteFD, args)
			if err != nil {
				return fmt.Errorf("driving DUMPPAGES: %w", err)
			}
			off = newOff
			spliced <- b
		}
		return nil
	})

	g.Go(func() error {
		for b := range spliced {
			if err := writePagemap(w, b); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// writePagemap records each iovec's victim address range alongside the
// page bytes already spliced into the buffer's read end, the Go-side
// counterpart to the native page transfer service's write_pagemap (spec
// §6).
func writePagemap(w *image.Writer, b *Buf) error {
	for _, iov := range b.Iovs {
		rec := make([]byte, 16)
		putUint64(rec[0:8], uint64(iov.Base))
		putUint64(rec[8:16], uint64(iov.Len))
		if err := w.WriteRecord(rec); err != nil {
			return fmt.Errorf("writing pagemap record: %w", err)
		}

		n := int(iov.Len)
		page := make([]byte, n)
		if err := readFullFromFD(b.ReadFD, page); err != nil {
			return fmt.Errorf("reading spliced pages from pipe: %w", err)
		}
		if err := w.WriteBytes(page); err != nil {
			return fmt.Errorf("writing page payload: %w", err)
		}
	}
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
