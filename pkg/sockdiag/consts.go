// Package sockdiag collects socket state from the kernel via
// NETLINK_SOCK_DIAG (spec §4.7): a UNIX-socket dump covering every state,
// a TCP dump restricted to listeners, and a UDP dump covering every
// state, each drained to completion before the next.
package sockdiag

// Socket families this collector understands.
const (
	AFUnix = 1
	AFInet = 2
)

// netlinkSockDiag is the NETLINK_SOCK_DIAG protocol number used when
// opening the diagnostic socket.
const netlinkSockDiag = 4

// sockDiagByFamily is NETLINK_SOCK_DIAG's single message type; the spec
// notes its numeric value (20) in case a build's headers omit the
// constant, which is why it's hardcoded here rather than sourced from
// golang.org/x/sys/unix (which doesn't expose it on every arch).
const sockDiagByFamily = 20

// UNIX_DIAG_* show flags (unix_diag_req.udiag_show), requesting which
// rtattrs the kernel includes in each response.
const (
	udiagShowName  = 0x00000001
	udiagShowVFS   = 0x00000002
	udiagShowPeer  = 0x00000004
	udiagShowIcons = 0x00000008
	udiagShowRqlen = 0x00000010
)

// UNIX_DIAG_* attribute types in the response.
const (
	unixDiagName  = 0
	unixDiagVFS   = 1
	unixDiagPeer  = 2
	unixDiagIcons = 3
	unixDiagRqlen = 4
)

// allUnixStates is a bitmask requesting every state, including the
// listening state ssListen (10): all bits are set, and the kernel ignores
// bits beyond its highest state.
const allUnixStates = 0xffffffff

// ssListen is the UNIX/TCP SS_LISTEN state value.
const ssListen = 10

// inetDiag* protocol numbers, matching /etc/protocols.
const (
	protoTCP = 6
	protoUDP = 17
)
