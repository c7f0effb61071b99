package sockets

// Socket types and states this package understands, independent of the
// kernel's own SOCK_*/SS_* numbering so dump and restore share one
// vocabulary.
const (
	TypeStream = 1
	TypeDgram  = 2
)

const (
	StateListen      = 1
	StateEstablished = 2
	StateClose       = 3
)

// UnixEntry is a per-fd UNIX socket image record (spec §3 "Socket image
// entries"). Name is a raw byte payload of length len(Name) following the
// entry, per spec §4.8.
type UnixEntry struct {
	ID      uint32 // inode
	FD      int
	Type    int
	State   int
	Name    []byte
	Backlog int
	// Inflight marks a connected UNIX stream whose peer was discovered
	// only via the icons reverse index (USK_INFLIGHT).
	Inflight bool
	// Peer is the peer inode: for an INFLIGHT entry, the inode of the
	// *listening* socket the peer belongs to.
	Peer uint32
	// HasPeer distinguishes "peer 0" from "no peer" for DGRAM sockets.
	HasPeer bool
}

// InetEntry is a per-fd INET socket image record.
type InetEntry struct {
	ID                     uint32
	FD                     int
	Family                 int
	Type                   int
	Protocol               int
	State                  int
	SrcPort, DstPort       uint16
	Backlog                int
	SrcAddr, DstAddr       [4]byte
}

// PacketPoolEntry is one queued-datagram record loaded from the
// socket-queue image (spec §3 "Packet pool"); entries are consumed in
// list order during queue replay.
type PacketPoolEntry struct {
	IDFor      uint32
	Length     int64
	ImageOffset int64
}
