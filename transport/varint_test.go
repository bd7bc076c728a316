package transport

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 37, maxVarint1,
		maxVarint1 + 1, 15293, maxVarint2,
		maxVarint2 + 1, 494878333, maxVarint4,
		maxVarint4 + 1, 151288809941952652, maxVarint8,
	}
	for _, v := range values {
		n := varintLen(v)
		if n == 0 {
			t.Fatalf("varintLen(%d) = 0", v)
		}
		b := make([]byte, n)
		if w := putVarint(b, v); w != n {
			t.Fatalf("putVarint(%d): wrote %d, want %d", v, w, n)
		}
		var got uint64
		r := getVarint(b, &got)
		if r != n {
			t.Fatalf("getVarint(%d): read %d bytes, want %d", v, r, n)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func TestVarintTooLarge(t *testing.T) {
	if n := varintLen(maxVarint8 + 1); n != 0 {
		t.Fatalf("varintLen(overflow) = %d, want 0", n)
	}
}

func TestVarintShortBuffer(t *testing.T) {
	b := []byte{0x80, 0x00, 0x00} // claims 4-byte encoding, only 3 bytes present
	var v uint64
	if n := getVarint(b, &v); n != 0 {
		t.Fatalf("getVarint(short) = %d, want 0", n)
	}
	if n := putVarint(b, maxVarint4); n != 0 {
		t.Fatalf("putVarint(short dst) = %d, want 0", n)
	}
}

func TestUintN(t *testing.T) {
	b := make([]byte, 4)
	putUintN(b, 0x01020304, 4)
	if got := getUintN(b, 4); got != 0x01020304 {
		t.Fatalf("getUintN = %x", got)
	}
	putUintN(b[:3], 0x0a0b0c, 3)
	if got := getUintN(b[:3], 3); got != 0x0a0b0c {
		t.Fatalf("getUintN(3) = %x", got)
	}
}
