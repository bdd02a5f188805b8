package signal

import (
	"fmt"
	"strings"
)

// Variant is one named parameterisation of the entry trigger.
type Variant struct {
	Name        string
	StochCutoff float64
	// UseHTF gates the buy on the 4h oscillator as well.
	UseHTF    bool
	HTFCutoff float64
	// ResetPct > 0 disarms when price runs that far above wma_fib_0 without a buy.
	ResetPct float64
}

const (
	VariantClassic = "classic"
	VariantReset   = "reset"
	VariantHTF     = "htf"
)

var presets = map[string]Variant{
	VariantClassic: {Name: VariantClassic, StochCutoff: 60},
	VariantReset:   {Name: VariantReset, StochCutoff: 60, ResetPct: 0.02},
	VariantHTF:     {Name: VariantHTF, StochCutoff: 80, UseHTF: true, HTFCutoff: 80},
}

// Overrides 来自配置的单项阈值覆盖，零值表示沿用预设。
type Overrides struct {
	StochCutoff float64
	HTFCutoff   float64
	ResetPct    float64
}

// ResolveVariant returns the preset for name with overrides applied. Empty name means classic.
func ResolveVariant(name string, o Overrides) (Variant, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = VariantClassic
	}
	v, ok := presets[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown signal variant %q", name)
	}
	if o.StochCutoff > 0 {
		v.StochCutoff = o.StochCutoff
	}
	if o.HTFCutoff > 0 {
		v.HTFCutoff = o.HTFCutoff
	}
	if o.ResetPct > 0 {
		v.ResetPct = o.ResetPct
	}
	return v, nil
}
