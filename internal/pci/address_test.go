package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/corral/internal/errdefs"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "full address", addr: "0000:01:00.0"},
		{name: "upper case hex", addr: "0000:AF:1F.7"},
		{name: "missing domain", addr: "01:00.0", wantErr: true},
		{name: "function out of range", addr: "0000:01:00.8", wantErr: true},
		{name: "garbage", addr: "gpu0", wantErr: true},
		{name: "empty", addr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0000:3b:1f.2")
	require.NoError(t, err)
	assert.Equal(t, Address{Domain: 0, Bus: 0x3b, Slot: 0x1f, Function: 2}, a)
	assert.Equal(t, "0000:3b:1f.2", a.String())
}

func TestNormalizeAddress(t *testing.T) {
	tests := map[string]string{
		"01:00.0":          "0000:01:00.0",
		"00000000:01:00.0": "0000:01:00.0",
		" 0000:AF:00.1 ":   "0000:af:00.1",
		"0000:01:00.0":     "0000:01:00.0",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeAddress(in), in)
	}
}
