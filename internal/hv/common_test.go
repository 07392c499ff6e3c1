package hv

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestIRQChipModePredicates(t *testing.T) {
	tests := []struct {
		mode     IRQChipMode
		inKernel bool
		split    bool
		full     bool
	}{
		{mode: IRQChipNone},
		{mode: IRQChipSplit, inKernel: true, split: true},
		{mode: IRQChipKernel, inKernel: true, full: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			require.Equal(t, tt.inKernel, tt.mode.LAPICInKernel())
			require.Equal(t, tt.split, tt.mode.Split())
			require.Equal(t, tt.full, tt.mode.FullyInKernel())
		})
	}
}

func TestParseIRQChipMode(t *testing.T) {
	mode, err := ParseIRQChipMode(" Split ")
	require.NoError(t, err)
	require.Equal(t, IRQChipSplit, mode)

	mode, err = ParseIRQChipMode("full")
	require.NoError(t, err)
	require.Equal(t, IRQChipKernel, mode)

	_, err = ParseIRQChipMode("ioapic-only")
	require.ErrorIs(t, err, ErrInvalidIRQChipMode)
}

func TestIRQChipModeYAML(t *testing.T) {
	var doc struct {
		Mode IRQChipMode `yaml:"mode"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("mode: kernel\n"), &doc))
	require.Equal(t, IRQChipKernel, doc.Mode)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.Equal(t, "mode: kernel\n", string(out))
}

func TestSimpleVMConfigValidate(t *testing.T) {
	require.NoError(t, SimpleVMConfig{NumCPUs: 1, Mode: IRQChipSplit, APICv: true}.Validate())
	require.ErrorIs(t, SimpleVMConfig{NumCPUs: 0}.Validate(), ErrInvalidVCPUCount)
	require.Error(t, SimpleVMConfig{NumCPUs: 1, Mode: IRQChipNone, APICv: true}.Validate())
	require.Equal(t, 24, SimpleVMConfig{}.IOAPICPins())
}
