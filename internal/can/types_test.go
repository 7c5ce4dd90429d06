package can

import (
	"errors"
	"testing"
)

func TestNewFrameBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		ext     bool
		id      uint32
		n       int
		wantErr error
	}{
		{"std max id", false, 0x7FF, 0, nil},
		{"std id overflow", false, 0x800, 0, ErrIdentifierRange},
		{"ext max id", true, 0x1FFFFFFF, 0, nil},
		{"ext id overflow", true, 0x20000000, 0, ErrIdentifierRange},
		{"len 8", false, 0x10, 8, nil},
		{"len 9", false, 0x10, 9, ErrSize},
	}
	for _, tc := range tests {
		_, err := NewFrame(tc.ext, false, tc.id, make([]byte, tc.n))
		if tc.wantErr == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestFrameIsImmutable(t *testing.T) {
	src := []byte{1, 2, 3}
	f := MustFrame(false, false, 0x123, src...)
	src[0] = 0xFF
	d := f.Data()
	d[1] = 0xFF
	if got := f.Data(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("frame payload changed through caller slices: % X", got)
	}
}

func TestFrameCANIDRoundTrip(t *testing.T) {
	for _, f := range []Frame{
		MustFrame(false, false, 0x123, 0xAA),
		MustFrame(true, false, 0x1ABCDEF0, 1, 2, 3, 4, 5, 6, 7, 8),
		MustFrame(true, true, 0x0000_0001),
		MustFrame(false, true, 0x7FF, 0, 0),
	} {
		g, err := FromCANID(f.CANID(), f.Data())
		if err != nil {
			t.Fatalf("FromCANID(%s): %v", f, err)
		}
		if !g.Equal(f) {
			t.Fatalf("roundtrip mismatch: got %s want %s", g, f)
		}
	}
	if _, err := FromCANID(CAN_ERR_FLAG|0x4, nil); err == nil {
		t.Fatalf("expected error frame rejection")
	}
}

func TestFrameString(t *testing.T) {
	tests := []struct {
		f    Frame
		want string
	}{
		{MustFrame(false, false, 0x123, 0xDE, 0xAD), "123#DEAD"},
		{MustFrame(true, false, 0x1ABCDEF0), "1ABCDEF0#"},
		{MustFrame(true, true, 0x10, 0, 0, 0), "00000010#R3"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}
