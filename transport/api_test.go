package transport

import "testing"

func TestPeekConnectionIDLongHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{9, 9, 9, 9}
	b := make([]byte, 64)
	n, err := encodeLongHeader(b, longTypeInitial, Version, dcid, scid, nil, 20, 2)
	if err != nil {
		t.Fatalf("encodeLongHeader: %v", err)
	}
	got, isLong, ok := PeekConnectionID(b[:n], 8)
	if !ok || !isLong {
		t.Fatalf("PeekConnectionID: ok=%v isLong=%v", ok, isLong)
	}
	if string(got) != string(dcid) {
		t.Fatalf("dcid = %x, want %x", got, dcid)
	}
}

func TestPeekConnectionIDShortHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := append([]byte{0x40}, dcid...)
	b = append(b, 0xaa, 0xbb) // packet number bytes, irrelevant here
	got, isLong, ok := PeekConnectionID(b, len(dcid))
	if !ok || isLong {
		t.Fatalf("PeekConnectionID: ok=%v isLong=%v", ok, isLong)
	}
	if string(got) != string(dcid) {
		t.Fatalf("dcid = %x, want %x", got, dcid)
	}
}

func TestPeekVersionAndIsLongHeaderInitial(t *testing.T) {
	dcid := []byte{1, 2, 3, 4}
	scid := []byte{5, 6, 7, 8}
	b := make([]byte, 64)
	n, err := encodeLongHeader(b, longTypeInitial, Version, dcid, scid, nil, 20, 2)
	if err != nil {
		t.Fatalf("encodeLongHeader: %v", err)
	}
	v, ok := PeekVersion(b[:n])
	if !ok || v != Version {
		t.Fatalf("PeekVersion = %x, %v; want %x, true", v, ok, Version)
	}
	if !IsLongHeaderInitial(b[:n], Version) {
		t.Fatalf("IsLongHeaderInitial = false, want true")
	}
	if IsLongHeaderInitial(b[:n], Version+1) {
		t.Fatalf("IsLongHeaderInitial matched wrong version")
	}
}

func TestIsVersionReserved(t *testing.T) {
	if !IsVersionReserved(0x1a2a3a4a) {
		t.Fatalf("0x1a2a3a4a should be a grease version")
	}
	if IsVersionReserved(Version) {
		t.Fatalf("draft version should not be a grease version")
	}
}

func TestConnStatsCountersAfterHandshake(t *testing.T) {
	cs, ss, err := handshakePairForTest(t)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	cstats := cs.Stats()
	sstats := ss.Stats()
	if cstats.PacketsOut == 0 {
		t.Fatalf("client PacketsOut = 0, want > 0")
	}
	if sstats.PacketsInValid == 0 {
		t.Fatalf("server PacketsInValid = 0, want > 0")
	}
}
