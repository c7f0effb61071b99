package pagedump

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Iovec is a local mirror of the remote (victim-address-space) iovec the
// parasite vmsplices from: {Base: victim address, Len: byte length}.
type Iovec struct {
	Base uintptr
	Len  uintptr
}

// Buf is one page-pipe buffer: a pipe plus the iovec array of victim
// addresses it will receive via the parasite's vmsplice (spec §4.6 step
// 2-3). A new buffer is started whenever the current one's capacity (in
// either iovec count or total bytes) would overflow.
type Buf struct {
	ReadFD, WriteFD int
	Iovs            []Iovec
	PagesIn         int
}

func (b *Buf) close() {
	unix.Close(b.ReadFD)
	unix.Close(b.WriteFD)
}

// Pipe batches dumpable addresses into a sequence of Bufs, splitting
// whenever the running iovec count would exceed maxIovs or the running
// page count would exceed maxPages (an approximation of pipe capacity, in
// pages, the real implementation sizes from /proc/sys/fs/pipe-max-size).
type Pipe struct {
	maxIovs  int
	maxPages int
	bufs     []*Buf
	cur      *Buf
	curPages int
}

// NewPipe creates an empty page-pipe. maxPages should be derived from
// priv_size/2 per spec §4.6's arg-buffer sizing note (every other private
// page is dumpable, worst case).
func NewPipe(maxIovs, maxPages int) *Pipe {
	return &Pipe{maxIovs: maxIovs, maxPages: maxPages}
}

// AddPage appends one dumpable page address, opening a new Buf if the
// current one is full or doesn't exist yet.
func (pp *Pipe) AddPage(addr uintptr) error {
	if pp.cur == nil || len(pp.cur.Iovs) >= pp.maxIovs || pp.curPages >= pp.maxPages {
		if err := pp.newBuf(); err != nil {
			return err
		}
	}
	// Coalesce with the previous iovec if it's contiguous, same as a real
	// page-pipe would to keep the vmsplice iovec count down.
	if n := len(pp.cur.Iovs); n > 0 {
		last := &pp.cur.Iovs[n-1]
		if last.Base+last.Len == addr {
			last.Len += pageSize
			pp.cur.PagesIn++
			pp.curPages++
			return nil
		}
	}
	pp.cur.Iovs = append(pp.cur.Iovs, Iovec{Base: addr, Len: pageSize})
	pp.cur.PagesIn++
	pp.curPages++
	return nil
}

func (pp *Pipe) newBuf() error {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return fmt.Errorf("creating page-pipe buffer: %w", err)
	}
	pp.cur = &Buf{ReadFD: fds[0], WriteFD: fds[1]}
	pp.bufs = append(pp.bufs, pp.cur)
	pp.curPages = 0
	return nil
}

// Bufs returns the accumulated buffers in creation order.
func (pp *Pipe) Bufs() []*Buf { return pp.bufs }

// Close closes every buffer's pipe ends.
func (pp *Pipe) Close() {
	for _, b := range pp.bufs {
		b.close()
	}
}

// readFullFromFD reads exactly len(buf) bytes from a raw fd, the
// unix.Read equivalent of io.ReadFull for a pipe read end that isn't
// wrapped in an *os.File.
func readFullFromFD(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("pipe closed after %d/%d bytes", read, len(buf))
		}
		read += n
	}
	return nil
}
