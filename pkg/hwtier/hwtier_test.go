package hwtier

import (
	"strings"
	"testing"
)

var (
	baselineCPU = Features{Vendor: "GenuineIntel", Family: 6}
	v3CPU       = Features{AVX: true, AVX2: true, BMI1: true, BMI2: true, FMA: true, OSXSAVE: true, Vendor: "GenuineIntel", Family: 6}
	v4CPU       = Features{
		AVX: true, AVX2: true, BMI1: true, BMI2: true, FMA: true, OSXSAVE: true,
		AVX512F: true, AVX512BW: true, AVX512CD: true, AVX512DQ: true, AVX512VL: true,
		Vendor: "GenuineIntel", Family: 6,
	}
	zen4CPU = func() Features {
		f := v4CPU
		f.Vendor = "AuthenticAMD"
		f.Family = 0x19
		return f
	}()
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name string
		cpu  Features
		want Tier
	}{
		{name: "baseline", cpu: baselineCPU, want: Baseline},
		{name: "v3", cpu: v3CPU, want: V3},
		{name: "v4", cpu: v4CPU, want: V4},
		{name: "zen4", cpu: zen4CPU, want: Znver4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cpu.Level(); got != tt.want {
				t.Errorf("Level() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSupports(t *testing.T) {
	if v4CPU.Supports(Znver4) {
		t.Error("an Intel v4 part must not run znver4 builds")
	}
	if !zen4CPU.Supports(V3) || !zen4CPU.Supports(V4) {
		t.Error("zen4 should run v3 and v4 builds")
	}
	if baselineCPU.Supports(V3) {
		t.Error("baseline CPU must not run v3 builds")
	}
	if !baselineCPU.Supports(Baseline) {
		t.Error("every CPU runs baseline builds")
	}
}

func TestGrantNeverTrustsName(t *testing.T) {
	if _, ok := Grant("cachyos-v3", baselineCPU.Level()); ok {
		t.Error("a v3 repository must not be granted on a baseline CPU")
	}
	tier, ok := Grant("cachyos-core-v3", v3CPU.Level())
	if !ok || tier != V3 {
		t.Errorf("Grant = %s,%v; want v3,true", tier, ok)
	}
	if _, ok := Grant("cachyos-znver4", V4); ok {
		t.Error("a znver4 repository must not be granted on an Intel v4 CPU")
	}
	if tier, ok := Grant("cachyos-v4", Znver4); !ok || tier != V4 {
		t.Errorf("Grant on znver4 = %s,%v; want v4,true", tier, ok)
	}
	if _, ok := Grant("extra", v4CPU.Level()); ok {
		t.Error("untiered repository should not be granted a tier")
	}
}

func TestParseCPUInfo(t *testing.T) {
	input := `processor	: 0
vendor_id	: AuthenticAMD
cpu family	: 25
model		: 97

processor	: 1
vendor_id	: AuthenticAMD
cpu family	: 25
`
	vendor, family := parseCPUInfo(strings.NewReader(input))
	if vendor != "AuthenticAMD" || family != 25 {
		t.Errorf("parseCPUInfo = %q,%d", vendor, family)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, tier := range []Tier{Baseline, V3, V4, Znver4} {
		if got := Parse(tier.String()); got != tier {
			t.Errorf("Parse(%q) = %s", tier.String(), got)
		}
	}
}
