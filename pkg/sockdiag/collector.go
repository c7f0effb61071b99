package sockdiag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/restorepoint/crcore/internal/crerr"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/time/rate"
)

// UnixSocket is the collected descriptor for one AF_UNIX socket (spec §3
// "Socket descriptor (collected)").
type UnixSocket struct {
	Ino       uint32
	Type      uint8
	State     uint8
	PeerIno   uint32
	RQueue    uint32
	WQueue    uint32
	Name      string
	HasName   bool
	Icons     []uint32
}

// InetSocket is the collected descriptor for one AF_INET socket.
type InetSocket struct {
	Ino                uint32
	Type               uint8
	Protocol           uint8
	SrcPort, DstPort   uint16
	State              uint8
	RQueue, WQueue     uint32
	SrcAddr, DstAddr   [4]byte
}

// Tables holds the three hash tables spec §3 describes: by inode (every
// collected socket), and peer_ino-of-icon → listening UNIX socket (used
// to resolve an in-flight stream connection's listener at dump time).
type Tables struct {
	Unix        map[uint32]*UnixSocket
	Inet        map[uint32]*InetSocket
	IconsByPeer map[uint32]*UnixSocket
}

func newTables() *Tables {
	return &Tables{
		Unix:        make(map[uint32]*UnixSocket),
		Inet:        make(map[uint32]*InetSocket),
		IconsByPeer: make(map[uint32]*UnixSocket),
	}
}

// rawData adapts a plain byte slice to nl.NetlinkRequestData so a
// hand-marshaled request struct can ride inside an *nl.NetlinkRequest.
type rawData struct{ b []byte }

func (r rawData) Len() int          { return len(r.b) }
func (r rawData) Serialize() []byte { return r.b }

// CollectAll runs the three sequential dumps spec §4.7 requires: AF_UNIX
// (all states), AF_INET/TCP (LISTEN only), AF_INET/UDP (all states),
// each drained to completion before the next begins.
func CollectAll() (*Tables, error) {
	t := newTables()

	if err := collectUnix(t); err != nil {
		return nil, fmt.Errorf("collecting unix sockets: %w", err)
	}
	if err := collectInet(t, protoTCP, 1<<ssListen); err != nil {
		return nil, fmt.Errorf("collecting tcp listeners: %w", err)
	}
	if err := collectInet(t, protoUDP, allUnixStates); err != nil {
		return nil, fmt.Errorf("collecting udp sockets: %w", err)
	}
	return t, nil
}

func collectUnix(t *Tables) error {
	req := unixDiagReq{
		Family:    AFUnix,
		States:    allUnixStates,
		ShowFlags: udiagShowName | udiagShowVFS | udiagShowPeer | udiagShowIcons | udiagShowRqlen,
	}

	msgs, err := execDump(req.marshal())
	if err != nil {
		return err
	}

	for _, payload := range msgs {
		m, rest, ok := parseUnixDiagMsg(payload)
		if !ok {
			return fmt.Errorf("%w: truncated unix_diag_msg", crerr.ErrNetlinkProtocol)
		}
		sk := &UnixSocket{Ino: m.Ino, Type: m.Type, State: m.State}

		for _, a := range parseRtAttrs(rest) {
			switch a.Type {
			case unixDiagName:
				sk.Name = string(a.Value)
				sk.HasName = true
			case unixDiagVFS:
				if !vfsMatches(sk.Name, a.Value) {
					sk.HasName = false
					sk.Name = ""
				}
			case unixDiagPeer:
				if len(a.Value) >= 4 {
					sk.PeerIno = leUint32(a.Value)
				}
			case unixDiagIcons:
				for off := 0; off+4 <= len(a.Value); off += 4 {
					sk.Icons = append(sk.Icons, leUint32(a.Value[off:]))
				}
			case unixDiagRqlen:
				if len(a.Value) >= 8 {
					sk.RQueue = leUint32(a.Value[0:4])
					sk.WQueue = leUint32(a.Value[4:8])
				}
			}
		}

		if sk.HasName && len(sk.Name) > 0 && sk.Name[0] != 0 && !isAbsPath(sk.Name) {
			// Relative bind paths are unsupported; drop the name but
			// keep the socket (spec §4.7).
			sk.HasName = false
			sk.Name = ""
		}

		t.Unix[sk.Ino] = sk
		for _, icon := range sk.Icons {
			t.IconsByPeer[icon] = sk
		}
	}
	return nil
}

func collectInet(t *Tables, protocol uint8, states uint32) error {
	req := inetDiagReq{
		Family:   AFInet,
		Protocol: protocol,
		States:   states,
	}

	msgs, err := execDump(req.marshal())
	if err != nil {
		return err
	}

	for _, payload := range msgs {
		m, _, ok := parseInetDiagMsg(payload)
		if !ok {
			return fmt.Errorf("%w: truncated inet_diag_msg", crerr.ErrNetlinkProtocol)
		}
		typ := uint8(syscall.SOCK_STREAM)
		if protocol == protoUDP {
			typ = uint8(syscall.SOCK_DGRAM)
		}
		sk := &InetSocket{
			Ino:      m.Inode,
			Type:     typ,
			Protocol: protocol,
			SrcPort:  m.SrcPort,
			DstPort:  m.DstPort,
			State:    m.State,
			RQueue:   m.RQueue,
			WQueue:   m.WQueue,
			SrcAddr:  m.SrcAddr,
			DstAddr:  m.DstAddr,
		}
		t.Inet[sk.Ino] = sk
	}
	return nil
}

// maxEintrRetries bounds how many times execDump will retry a dump
// request that keeps failing with EINTR, so a persistently interrupted
// recvmsg can't spin the collector forever.
const maxEintrRetries = 32

// eintrLimiter paces EINTR retries across every execDump call in this
// process, capping how fast the collector can spin on a signal-heavy
// controller.
var eintrLimiter = rate.NewLimiter(rate.Limit(1000), 1)

// execDump issues a NETLINK_SOCK_DIAG SOCK_DIAG_BY_FAMILY dump request
// and returns each response message's payload (the bytes after the
// nlmsghdr). Multi-part assembly is handled by vishvananda/netlink's
// nl.NetlinkRequest.Execute; an EINTR surfaced through it is retried here,
// paced by eintrLimiter rather than spun on immediately.
func execDump(body []byte) ([][]byte, error) {
	req := nl.NewNetlinkRequest(sockDiagByFamily, syscall.NLM_F_REQUEST|syscall.NLM_F_DUMP)
	req.AddData(rawData{b: body})

	var lastErr error
	for attempt := 0; attempt < maxEintrRetries; attempt++ {
		msgs, err := req.Execute(netlinkSockDiag, 0)
		if err == nil {
			return msgs, nil
		}
		if !errors.Is(err, syscall.EINTR) {
			return nil, fmt.Errorf("%w: %v", crerr.ErrNetlinkProtocol, err)
		}
		lastErr = err
		if waitErr := eintrLimiter.Wait(context.Background()); waitErr != nil {
			return nil, fmt.Errorf("%w: pacing EINTR retry: %v", crerr.ErrNetlinkProtocol, waitErr)
		}
	}
	return nil, fmt.Errorf("%w: exhausted EINTR retries: %v", crerr.ErrNetlinkProtocol, lastErr)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func isAbsPath(name string) bool {
	return len(name) > 0 && name[0] == '/'
}

// vfsMatches stats the bound filesystem path and compares (dev, ino) to
// the kernel's udiag_vfs attribute; a mismatch means the bound file was
// unlinked or superseded (spec §4.7).
func vfsMatches(path string, vfsAttr []byte) bool {
	if path == "" || !isAbsPath(path) || len(vfsAttr) < 8 {
		return true
	}
	wantIno := leUint32(vfsAttr[0:4])
	wantDev := leUint32(vfsAttr[4:8])

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	return uint32(st.Ino) == wantIno && uint32(st.Dev) == wantDev
}
