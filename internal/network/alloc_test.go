package network

import (
	"testing"

	"github.com/jbweber/corral/internal/errdefs"
)

func newTestAllocator(t *testing.T, cidr string) *Allocator {
	t.Helper()
	l, err := ParseLayout(cidr)
	if err != nil {
		t.Fatalf("ParseLayout(%q) error: %v", cidr, err)
	}
	return NewAllocator(l)
}

func TestAllocator_NextFromDHCPStart(t *testing.T) {
	a := newTestAllocator(t, "192.168.100.0/24")

	want := []string{"192.168.100.10", "192.168.100.11", "192.168.100.12"}
	for i, name := range []string{"hpc-controller", "hpc-compute-01", "hpc-compute-02"} {
		got, err := a.Next(name)
		if err != nil {
			t.Fatalf("Next(%s) error: %v", name, err)
		}
		if got != want[i] {
			t.Errorf("Next(%s) = %s, want %s", name, got, want[i])
		}
	}
}

func TestAllocator_StaticReservedFirst(t *testing.T) {
	a := newTestAllocator(t, "192.168.100.0/24")

	if err := a.Reserve("hpc-compute-01", "192.168.100.10"); err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	got, err := a.Next("hpc-controller")
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got != "192.168.100.11" {
		t.Errorf("Next() = %s, want 192.168.100.11", got)
	}

	// an owner keeps its address
	again, _ := a.Next("hpc-compute-01")
	if again != "192.168.100.10" {
		t.Errorf("Next() for reserved owner = %s, want 192.168.100.10", again)
	}

	assigned := a.Assigned()
	if len(assigned) != 2 || assigned["hpc-controller"] != "192.168.100.11" {
		t.Errorf("Assigned() = %v", assigned)
	}
}

func TestAllocator_Reserve(t *testing.T) {
	tests := []struct {
		name         string
		ip           string
		wantConflict bool
		wantInvalid  bool
	}{
		{name: "static outside dhcp range", ip: "192.168.100.5"},
		{name: "same owner twice", ip: "192.168.100.50"},
		{name: "held by another vm", ip: "192.168.100.60", wantConflict: true},
		{name: "gateway", ip: "192.168.100.1", wantInvalid: true},
		{name: "network address", ip: "192.168.100.0", wantInvalid: true},
		{name: "broadcast", ip: "192.168.100.255", wantInvalid: true},
		{name: "outside subnet", ip: "10.0.0.5", wantInvalid: true},
		{name: "not an address", ip: "compute", wantInvalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAllocator(t, "192.168.100.0/24")
			_ = a.Reserve("hpc-compute-02", "192.168.100.60")
			if tt.name == "same owner twice" {
				_ = a.Reserve("hpc-compute-01", tt.ip)
			}

			err := a.Reserve("hpc-compute-01", tt.ip)

			switch {
			case tt.wantConflict:
				if !errdefs.IsConflict(err) {
					t.Errorf("Reserve(%s) error = %v, want ResourceConflictError", tt.ip, err)
				}
			case tt.wantInvalid:
				if !errdefs.IsValidation(err) {
					t.Errorf("Reserve(%s) error = %v, want ValidationError", tt.ip, err)
				}
			default:
				if err != nil {
					t.Errorf("Reserve(%s) unexpected error: %v", tt.ip, err)
				}
			}
		})
	}
}

func TestAllocator_Exhausted(t *testing.T) {
	a := newTestAllocator(t, "172.16.5.16/28")

	// .26 through .30
	for i := 0; i < 5; i++ {
		if _, err := a.Next(string(rune('a' + i))); err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
	}

	_, err := a.Next("one-too-many")
	if !errdefs.IsConflict(err) {
		t.Errorf("Next() error = %v, want ResourceConflictError", err)
	}
}
