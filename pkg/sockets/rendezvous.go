// Package sockets dumps collected UNIX/INET sockets into image entries
// and restores them on the other side, including the two-phase
// connect/accept job scheduling a connected UNIX stream pair requires
// (spec §4.8, §4.9).
package sockets

import "fmt"

// RendezvousAddr derives the stable abstract-namespace name
// "\0crtools-sk-%10d" parameterised by a socket's inode id (spec §6 wire
// format). Both dump and restore must derive the same bytes from an
// inode, which is why this is the single place that formats it.
func RendezvousAddr(id uint32) string {
	return "\x00" + fmt.Sprintf("crtools-sk-%10d", id)
}
