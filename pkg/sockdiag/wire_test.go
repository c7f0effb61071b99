package sockdiag

import (
	"encoding/binary"
	"testing"
)

func TestParseRtAttrs(t *testing.T) {
	// Two attrs: type=1 len=4+3 padded to 8, value "abc"; type=2 value uint32.
	var b []byte
	appendAttr := func(typ uint16, value []byte) {
		l := uint16(4 + len(value))
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], l)
		binary.LittleEndian.PutUint16(hdr[2:4], typ)
		b = append(b, hdr...)
		b = append(b, value...)
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
	}
	appendAttr(1, []byte("abc"))
	v2 := make([]byte, 4)
	binary.LittleEndian.PutUint32(v2, 42)
	appendAttr(2, v2)

	attrs := parseRtAttrs(b)
	if len(attrs) != 2 {
		t.Fatalf("got %d attrs, want 2", len(attrs))
	}
	if attrs[0].Type != 1 || string(attrs[0].Value) != "abc" {
		t.Errorf("attr0 = %+v", attrs[0])
	}
	if attrs[1].Type != 2 || leUint32(attrs[1].Value) != 42 {
		t.Errorf("attr1 = %+v", attrs[1])
	}
}

func TestParseRtAttrsTruncated(t *testing.T) {
	if attrs := parseRtAttrs([]byte{1, 2}); attrs != nil {
		t.Errorf("expected nil for truncated input, got %v", attrs)
	}
}

func TestParseUnixDiagMsg(t *testing.T) {
	b := make([]byte, 16)
	b[0], b[1], b[2] = AFUnix, 1, ssListen
	binary.LittleEndian.PutUint32(b[4:8], 12345)
	b = append(b, []byte("trailing")...)

	m, rest, ok := parseUnixDiagMsg(b)
	if !ok {
		t.Fatal("parseUnixDiagMsg failed")
	}
	if m.Ino != 12345 || m.State != ssListen {
		t.Errorf("m = %+v", m)
	}
	if string(rest) != "trailing" {
		t.Errorf("rest = %q", rest)
	}
}

func TestParseUnixDiagMsgTruncated(t *testing.T) {
	if _, _, ok := parseUnixDiagMsg(make([]byte, 4)); ok {
		t.Fatal("expected failure on truncated unix_diag_msg")
	}
}

func TestIsAbsPath(t *testing.T) {
	if !isAbsPath("/tmp/sock") {
		t.Error("/tmp/sock should be absolute")
	}
	if isAbsPath("relative") {
		t.Error("relative should not be absolute")
	}
	if isAbsPath("") {
		t.Error("empty should not be absolute")
	}
}
