package sockdiag

import "encoding/binary"

// unixDiagReq mirrors struct unix_diag_req: the request payload following
// the nlmsghdr for an AF_UNIX SOCK_DIAG_BY_FAMILY dump.
type unixDiagReq struct {
	Family    uint8
	Protocol  uint8
	Pad       uint16
	States    uint32
	Ino       uint32
	ShowFlags uint32
	Cookie    [8]byte
}

func (r unixDiagReq) marshal() []byte {
	b := make([]byte, 24)
	b[0] = r.Family
	b[1] = r.Protocol
	binary.LittleEndian.PutUint32(b[4:8], r.States)
	binary.LittleEndian.PutUint32(b[8:12], r.Ino)
	binary.LittleEndian.PutUint32(b[12:16], r.ShowFlags)
	copy(b[16:24], r.Cookie[:])
	return b
}

// unixDiagMsg mirrors struct unix_diag_msg: the leading fixed part of
// every response message in a UNIX dump.
type unixDiagMsg struct {
	Family uint8
	Type   uint8
	State  uint8
	Pad    uint8
	Ino    uint32
	Cookie [8]byte
}

func parseUnixDiagMsg(b []byte) (unixDiagMsg, []byte, bool) {
	if len(b) < 16 {
		return unixDiagMsg{}, nil, false
	}
	m := unixDiagMsg{
		Family: b[0],
		Type:   b[1],
		State:  b[2],
		Pad:    b[3],
		Ino:    binary.LittleEndian.Uint32(b[4:8]),
	}
	copy(m.Cookie[:], b[8:16])
	return m, b[16:], true
}

// inetDiagReq mirrors struct inet_diag_req_v2.
type inetDiagReq struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       [sockIDLen]byte // inet_diag_sockid, zeroed for a full dump
}

const sockIDLen = 48

func (r inetDiagReq) marshal() []byte {
	b := make([]byte, 8+sockIDLen)
	b[0] = r.Family
	b[1] = r.Protocol
	b[2] = r.Ext
	binary.LittleEndian.PutUint32(b[4:8], r.States)
	copy(b[8:], r.ID[:])
	return b
}

// inetDiagMsg mirrors struct inet_diag_msg: the leading fixed part of
// every response message in a TCP/UDP dump.
type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	SrcPort uint16
	SrcAddr [4]byte
	DstPort uint16
	DstAddr [4]byte
	RQueue  uint32
	WQueue  uint32
	Inode   uint32
}

func parseInetDiagMsg(b []byte) (inetDiagMsg, []byte, bool) {
	// struct inet_diag_sockid: sport(2) dport(2) src(16) dst(16) if(4) cookie(8)
	const fixedLen = 4 + 2 + 2 + 16 + 16 + 4 + 8 + 4 + 4 + 4 + 4 + 4
	if len(b) < fixedLen {
		return inetDiagMsg{}, nil, false
	}
	m := inetDiagMsg{
		Family:  b[0],
		State:   b[1],
		Timer:   b[2],
		Retrans: b[3],
	}
	m.SrcPort = binary.BigEndian.Uint16(b[4:6])
	m.DstPort = binary.BigEndian.Uint16(b[6:8])
	copy(m.SrcAddr[:], b[8:12])
	copy(m.DstAddr[:], b[24:28])
	// offset 52: expires(4); 56: rqueue(4); 60: wqueue(4); 64: uid(4); 68: inode(4)
	m.RQueue = binary.LittleEndian.Uint32(b[56:60])
	m.WQueue = binary.LittleEndian.Uint32(b[60:64])
	m.Inode = binary.LittleEndian.Uint32(b[68:72])
	return m, b[fixedLen:], true
}

// rtAttr is one netlink attribute: {len, type, value}, length-aligned to
// 4 bytes (NLA_ALIGNTO), the same layout original_source and the other
// examples' Go sockdiag code both parse by hand.
type rtAttr struct {
	Type  uint16
	Value []byte
}

func parseRtAttrs(b []byte) []rtAttr {
	var out []rtAttr
	for len(b) >= 4 {
		l := binary.LittleEndian.Uint16(b[0:2])
		typ := binary.LittleEndian.Uint16(b[2:4])
		if l < 4 || int(l) > len(b) {
			break
		}
		out = append(out, rtAttr{Type: typ, Value: b[4:l]})
		aligned := nlaAlign(int(l))
		if aligned > len(b) {
			break
		}
		b = b[aligned:]
	}
	return out
}

func nlaAlign(n int) int { return (n + 3) &^ 3 }
