package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marginalsim/internal/model"
)

func validParams() Parameters {
	p := DefaultParameters()
	p.Utilization = 0.5
	p.Leverage = 2
	return p
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Parameters)
		field  string
	}{
		{"valid leverage mode", func(p *Parameters) {}, ""},
		{"valid rel margin mode", func(p *Parameters) {
			p.Leverage = 0
			p.RelMarginAboveSafeMin = 0.25
		}, ""},
		{"zero maintenance", func(p *Parameters) { p.Maintenance = 0 }, "maintenance"},
		{"maintenance at unit", func(p *Parameters) { p.Maintenance = 1_000_000 }, "maintenance"},
		{"utilization above one", func(p *Parameters) { p.Utilization = 1.5 }, "utilization"},
		{"negative utilization", func(p *Parameters) { p.Utilization = -0.1 }, "utilization"},
		{"skew out of range", func(p *Parameters) { p.Skew = 1.01 }, "skew"},
		{"both margin modes", func(p *Parameters) { p.RelMarginAboveSafeMin = 0.1 }, "leverage"},
		{"neither margin mode", func(p *Parameters) { p.Leverage = 0 }, "leverage"},
		{"leverage at one", func(p *Parameters) { p.Leverage = 1 }, "leverage"},
		{"zero blocks held", func(p *Parameters) { p.BlocksHeld = 0 }, "blocks_held"},
		{"zero tolerance", func(p *Parameters) { p.SqrtPriceTolerance = 0 }, "sqrt_price_tolerance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var validationErr *model.ValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestSlotFractions(t *testing.T) {
	p := validParams()
	p.Utilization = 0.5
	p.Skew = 0
	fracs := p.slotFractionsPPM()
	require.Equal(t, uint64(250_000), fracs[0].Uint64())
	require.Equal(t, uint64(250_000), fracs[1].Uint64())

	p.Skew = 1
	fracs = p.slotFractionsPPM()
	require.Equal(t, uint64(500_000), fracs[0].Uint64())
	require.True(t, fracs[1].IsZero(), "full positive skew leaves nothing for the one-for-zero side")

	p.Skew = -1
	fracs = p.slotFractionsPPM()
	require.True(t, fracs[0].IsZero())
	require.Equal(t, uint64(500_000), fracs[1].Uint64())
}
