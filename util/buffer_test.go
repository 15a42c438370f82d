package util

import (
	"testing"
)

func TestBufferRoundTrip(t *testing.T) {
	buf := make([]byte, 0)
	buf = WriteUB2(buf, 0xBEEF)
	buf = WriteUB4(buf, 0xCAFEBABE)
	buf = WriteUB8(buf, 0x1122334455667788)

	if got := ReadUB2(buf, 0); got != 0xBEEF {
		t.Errorf("ReadUB2 = %x", got)
	}
	if got := ReadUB4(buf, 2); got != 0xCAFEBABE {
		t.Errorf("ReadUB4 = %x", got)
	}
	if got := ReadUB8(buf, 6); got != 0x1122334455667788 {
		t.Errorf("ReadUB8 = %x", got)
	}
}

func TestPutInPlace(t *testing.T) {
	buf := make([]byte, 16)
	PutUB4(buf, 2, 0xDEADBEEF)
	PutUB8(buf, 6, 0x0102030405060708)

	if got := ReadUB4(buf, 2); got != 0xDEADBEEF {
		t.Errorf("PutUB4 round trip = %x", got)
	}
	if got := ReadUB8(buf, 6); got != 0x0102030405060708 {
		t.Errorf("PutUB8 round trip = %x", got)
	}
}

func TestHashCodeStable(t *testing.T) {
	a := HashCode([]byte("page payload"))
	b := HashCode([]byte("page payload"))
	if a != b {
		t.Error("hash must be deterministic")
	}
	if HashCode([]byte("x")) == HashCode([]byte("y")) {
		t.Error("different inputs should hash differently")
	}
}
