package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jbweber/corral/internal/errdefs"
)

var addressPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// Address is a parsed domain:bus:slot.function PCI address.
type Address struct {
	Domain   uint
	Bus      uint
	Slot     uint
	Function uint
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// ValidateAddress checks that s is a full PCI address such as 0000:01:00.0.
func ValidateAddress(s string) error {
	if !addressPattern.MatchString(s) {
		return errdefs.Invalid("pci address", s, "expected domain:bus:slot.function, e.g. 0000:01:00.0")
	}
	return nil
}

// ParseAddress parses a full PCI address.
func ParseAddress(s string) (Address, error) {
	if err := ValidateAddress(s); err != nil {
		return Address{}, err
	}

	head, fn, _ := strings.Cut(s, ".")
	parts := strings.Split(head, ":")

	var vals [4]uint64
	for i, p := range append(parts, fn) {
		v, err := strconv.ParseUint(p, 16, 32)
		if err != nil {
			return Address{}, fmt.Errorf("failed to parse pci address %s: %w", s, err)
		}
		vals[i] = v
	}

	return Address{
		Domain:   uint(vals[0]),
		Bus:      uint(vals[1]),
		Slot:     uint(vals[2]),
		Function: uint(vals[3]),
	}, nil
}

// NormalizeAddress lower-cases s and expands short forms: "01:00.0" gains the
// 0000 domain and the 8-digit domain printed by nvidia-smi
// ("00000000:01:00.0") is cut to 4 digits.
func NormalizeAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return "0000:" + s
	case 3:
		if len(parts[0]) > 4 {
			parts[0] = parts[0][len(parts[0])-4:]
		}
		return strings.Join(parts, ":")
	default:
		return s
	}
}
