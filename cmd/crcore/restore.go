package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/restorepoint/crcore/internal/config"
	"github.com/restorepoint/crcore/pkg/image"
	"github.com/restorepoint/crcore/pkg/sockets"
	"github.com/sirupsen/logrus"
)

// restoreCmd implements the "restore" subcommand. This core's restore scope
// is sockets only (spec §1 non-goals exclude process/memory restore): it
// replays the UNIX listen/connect/accept graph recorded by dump, plus
// queued packet replay from sk-queues' image offsets.
type restoreCmd struct {
	imageDir string
}

func (*restoreCmd) Name() string     { return "restore" }
func (*restoreCmd) Synopsis() string { return "restore socket state from a prior dump's image directory" }
func (*restoreCmd) Usage() string {
	return "restore [-image-dir <dir>]\n"
}

func (c *restoreCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.imageDir, "image-dir", "", "image directory to restore from (default: the configured image_dir)")
}

func (c *restoreCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	dir := c.imageDir
	if dir == "" {
		dir = cfg.ImageDir
	}

	if err := runRestore(dir); err != nil {
		logrus.Errorf("restore failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func runRestore(imageDir string) error {
	dir, err := image.OpenDir(imageDir)
	if err != nil {
		return fmt.Errorf("opening image directory: %w", err)
	}
	defer dir.Close()

	unixEntries, err := readUnixEntries(dir)
	if err != nil {
		return fmt.Errorf("reading sk-unix image: %w", err)
	}
	pool, err := readPacketPool(dir)
	if err != nil {
		return fmt.Errorf("reading sk-queues image: %w", err)
	}

	imageFile, err := os.Open(dir.FilePath(image.Kind("sk-queues")))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("opening packet queue image: %w", err)
	}
	if imageFile != nil {
		defer imageFile.Close()
	}

	r := sockets.NewRestorer(imageFile, pool)
	for _, e := range unixEntries {
		if _, err := r.RestoreUnixEntry(e); err != nil {
			return fmt.Errorf("restoring unix socket %d: %w", e.ID, err)
		}
	}

	// Connect then accept, strictly sequential: both phases mutate the
	// shared, unsynchronized packet pool and replay through the shared
	// image fd (spec §5's single-threaded controller model — "no locks
	// are needed because ptrace stops provide the barrier" — and §4.9's
	// prescribed "Connect phase ... Accept phase" ordering). A UNIX
	// connect to a listening socket queues into its backlog without
	// needing a concurrent accept, so there's no deadlock risk in running
	// these one after the other.
	if err := r.RunConnectPhase(); err != nil {
		return fmt.Errorf("running connect phase: %w", err)
	}
	if err := r.RunAcceptPhase(); err != nil {
		return fmt.Errorf("running accept phase: %w", err)
	}

	logrus.WithField("count", len(unixEntries)).Info("restored unix sockets")
	return nil
}

func readUnixEntries(dir *image.Dir) ([]*sockets.UnixEntry, error) {
	r, err := dir.OpenRO(image.Kind("sk-unix"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	var entries []*sockets.UnixEntry
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		e, err := sockets.UnmarshalUnixEntry(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readPacketPool(dir *image.Dir) ([]sockets.PacketPoolEntry, error) {
	r, err := dir.OpenRO(image.Kind("sk-queues"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	var pool []sockets.PacketPoolEntry
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		e, err := sockets.UnmarshalPacketPoolEntry(rec)
		if err != nil {
			return nil, err
		}
		// The record is immediately followed by its raw payload
		// (writeQueuedPacket's layout); skip past it to reach the next
		// record. The payload itself is read later, by sendfile against
		// the separately-opened raw image fd at e.ImageOffset.
		if _, err := r.ReadBytes(int(e.Length)); err != nil {
			return nil, fmt.Errorf("skipping queued payload for inode %d: %w", e.IDFor, err)
		}
		pool = append(pool, *e)
	}
	return pool, nil
}
