package sockets

import (
	"encoding/binary"
	"fmt"
)

// Marshal encodes e as a fixed-size header followed by its raw name bytes,
// the on-disk shape of one UNIXSK image record (spec §6).
func (e *UnixEntry) Marshal() []byte {
	buf := make([]byte, 26+len(e.Name))
	binary.LittleEndian.PutUint32(buf[0:4], e.ID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.FD))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.State))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Backlog))
	if e.Inflight {
		buf[20] = 1
	}
	binary.LittleEndian.PutUint32(buf[21:25], e.Peer)
	if e.HasPeer {
		buf[25] = 1
	}
	copy(buf[26:], e.Name)
	return buf
}

// UnmarshalUnixEntry decodes a UnixEntry written by Marshal.
func UnmarshalUnixEntry(b []byte) (*UnixEntry, error) {
	if len(b) < 26 {
		return nil, fmt.Errorf("unix entry record too short: %d bytes", len(b))
	}
	e := &UnixEntry{
		ID:       binary.LittleEndian.Uint32(b[0:4]),
		FD:       int(binary.LittleEndian.Uint32(b[4:8])),
		Type:     int(binary.LittleEndian.Uint32(b[8:12])),
		State:    int(binary.LittleEndian.Uint32(b[12:16])),
		Backlog:  int(binary.LittleEndian.Uint32(b[16:20])),
		Inflight: b[20] != 0,
		Peer:     binary.LittleEndian.Uint32(b[21:25]),
		HasPeer:  b[25] != 0,
	}
	if len(b) > 26 {
		e.Name = append([]byte(nil), b[26:]...)
	}
	return e, nil
}

// Marshal encodes e as a fixed-size INETSK image record.
func (e *InetEntry) Marshal() []byte {
	buf := make([]byte, 36)
	binary.LittleEndian.PutUint32(buf[0:4], e.ID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.FD))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Family))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Protocol))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(e.State))
	binary.LittleEndian.PutUint16(buf[24:26], e.SrcPort)
	binary.LittleEndian.PutUint16(buf[26:28], e.DstPort)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(e.Backlog))
	copy(buf[32:36], e.SrcAddr[:])
	// DstAddr is not encoded; UnmarshalInetEntry leaves it zero.
	return buf
}

// UnmarshalInetEntry decodes an InetEntry written by Marshal.
func UnmarshalInetEntry(b []byte) (*InetEntry, error) {
	if len(b) < 36 {
		return nil, fmt.Errorf("inet entry record too short: %d bytes", len(b))
	}
	e := &InetEntry{
		ID:       binary.LittleEndian.Uint32(b[0:4]),
		FD:       int(binary.LittleEndian.Uint32(b[4:8])),
		Family:   int(binary.LittleEndian.Uint32(b[8:12])),
		Type:     int(binary.LittleEndian.Uint32(b[12:16])),
		Protocol: int(binary.LittleEndian.Uint32(b[16:20])),
		State:    int(binary.LittleEndian.Uint32(b[20:24])),
		SrcPort:  binary.LittleEndian.Uint16(b[24:26]),
		DstPort:  binary.LittleEndian.Uint16(b[26:28]),
		Backlog:  int(binary.LittleEndian.Uint32(b[28:32])),
	}
	copy(e.SrcAddr[:], b[32:36])
	return e, nil
}

// Marshal encodes e as a fixed-size SK_QUEUES image record.
func (e *PacketPoolEntry) Marshal() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], e.IDFor)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.Length))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.ImageOffset))
	return buf
}

// UnmarshalPacketPoolEntry decodes a PacketPoolEntry written by Marshal.
func UnmarshalPacketPoolEntry(b []byte) (*PacketPoolEntry, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("packet pool record too short: %d bytes", len(b))
	}
	return &PacketPoolEntry{
		IDFor:       binary.LittleEndian.Uint32(b[0:4]),
		Length:      int64(binary.LittleEndian.Uint64(b[4:12])),
		ImageOffset: int64(binary.LittleEndian.Uint64(b[12:20])),
	}, nil
}
