package gateway

import (
	"errors"
	"net"
	"testing"
)

// occupy binds an ephemeral loopback port and returns it; the listener is
// closed when the test ends.
func occupy(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestAllocate_Fixed_Free(t *testing.T) {
	a := NewPortAllocator("")
	a.probe = func(string, int) bool { return true }
	port, err := a.Allocate(PortRequest{Fixed: 8123})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 8123 {
		t.Errorf("port = %d, want 8123", port)
	}
}

func TestAllocate_Fixed_InUse(t *testing.T) {
	busy := occupy(t)
	a := NewPortAllocator("127.0.0.1")
	_, err := a.Allocate(PortRequest{Fixed: busy})
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
}

func TestAllocate_Range_FirstFree(t *testing.T) {
	a := NewPortAllocator("")
	var probed []int
	a.probe = func(_ string, port int) bool {
		probed = append(probed, port)
		return port == 9003
	}
	port, err := a.Allocate(PortRequest{RangeStart: 9000, RangeEnd: 9010})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 9003 {
		t.Errorf("port = %d, want 9003", port)
	}
	want := []int{9000, 9001, 9002, 9003}
	if len(probed) != len(want) {
		t.Fatalf("probed %v, want %v", probed, want)
	}
	for i := range want {
		if probed[i] != want[i] {
			t.Errorf("probe order %v, want ascending %v", probed, want)
			break
		}
	}
}

func TestAllocate_Range_NoneFree(t *testing.T) {
	a := NewPortAllocator("")
	a.probe = func(string, int) bool { return false }
	_, err := a.Allocate(PortRequest{RangeStart: 9000, RangeEnd: 9002})
	if !errors.Is(err, ErrNoFreePortInRange) {
		t.Fatalf("expected ErrNoFreePortInRange, got %v", err)
	}
}

func TestAllocate_Range_RealOccupiedPortSkipped(t *testing.T) {
	busy := occupy(t)
	a := NewPortAllocator("127.0.0.1")
	port, err := a.Allocate(PortRequest{RangeStart: busy, RangeEnd: busy})
	if !errors.Is(err, ErrNoFreePortInRange) {
		t.Fatalf("expected ErrNoFreePortInRange for occupied single-port range, got port=%d err=%v", port, err)
	}
}

func TestAllocate_Range_SingleStart(t *testing.T) {
	a := NewPortAllocator("")
	a.probe = func(string, int) bool { return true }
	port, err := a.Allocate(PortRequest{RangeStart: 7000})
	if err != nil || port != 7000 {
		t.Fatalf("got (%d, %v), want (7000, nil)", port, err)
	}
}

func TestAllocate_Range_Invalid(t *testing.T) {
	a := NewPortAllocator("")
	cases := []PortRequest{
		{RangeStart: 9010, RangeEnd: 9000},
		{RangeStart: -1, RangeEnd: 10},
		{RangeStart: 10, RangeEnd: 70000},
	}
	for _, c := range cases {
		if _, err := a.Allocate(c); err == nil {
			t.Errorf("Allocate(%+v): expected error", c)
		}
	}
}

func TestAllocate_Ephemeral(t *testing.T) {
	a := NewPortAllocator("")
	a.probe = func(string, int) bool {
		t.Fatal("ephemeral allocation must not probe")
		return false
	}
	port, err := a.Allocate(PortRequest{})
	if err != nil || port != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", port, err)
	}
}
