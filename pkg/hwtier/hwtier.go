// Package hwtier detects the CPU microarchitecture level used to pick the most
// optimized package build.
//
// A repository name only hints at a tier. A tier is granted to a source only
// when the running CPU independently verified the tier's feature set.
package hwtier

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Tier is a CPU capability level. Higher values are more optimized.
type Tier int

const (
	// Baseline is plain x86-64.
	Baseline Tier = iota
	// V3 is x86-64-v3 (AVX2, BMI1/2, FMA).
	V3
	// V4 is x86-64-v4 (V3 plus the AVX-512 F/BW/CD/DQ/VL subset).
	V4
	// Znver4 is AMD Zen 4 and newer: V4 on an AMD family 0x19+ part.
	Znver4
)

// String returns the canonical tier name used in repository suffixes.
func (t Tier) String() string {
	switch t {
	case V3:
		return "v3"
	case V4:
		return "v4"
	case Znver4:
		return "znver4"
	default:
		return "baseline"
	}
}

// Parse converts a tier name back into a Tier. Unknown names map to Baseline.
func Parse(name string) Tier {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "v3", "x86-64-v3":
		return V3
	case "v4", "x86-64-v4":
		return V4
	case "znver4":
		return Znver4
	default:
		return Baseline
	}
}

// Features are the CPU facts tier classification depends on.
type Features struct {
	AVX, AVX2, BMI1, BMI2, FMA, OSXSAVE             bool
	AVX512F, AVX512BW, AVX512CD, AVX512DQ, AVX512VL bool
	Vendor                                          string
	Family                                          int
}

// Level returns the highest tier supported by f.
func (f Features) Level() Tier {
	v3 := f.AVX && f.AVX2 && f.BMI1 && f.BMI2 && f.FMA && f.OSXSAVE
	if !v3 {
		return Baseline
	}
	v4 := f.AVX512F && f.AVX512BW && f.AVX512CD && f.AVX512DQ && f.AVX512VL
	if !v4 {
		return V3
	}
	if f.Vendor == "AuthenticAMD" && f.Family >= 0x19 {
		return Znver4
	}
	return V4
}

// Supports reports whether f can run packages built for t.
func (f Features) Supports(t Tier) bool {
	return f.Level().Runs(t)
}

// Runs reports whether a CPU at level t can run packages built for claimed.
// Znver4 builds run only on Zen 4 parts.
func (t Tier) Runs(claimed Tier) bool {
	if claimed == Znver4 {
		return t == Znver4
	}
	if t == Znver4 {
		return true
	}
	return claimed <= t
}

var (
	detectOnce sync.Once
	detected   Features
)

// Detect inspects the running CPU once and caches the result.
func Detect() Features {
	detectOnce.Do(func() {
		detected = probe()
	})
	return detected
}

func probe() Features {
	if runtime.GOARCH != "amd64" {
		return Features{}
	}
	f := Features{
		AVX:      cpu.X86.HasAVX,
		AVX2:     cpu.X86.HasAVX2,
		BMI1:     cpu.X86.HasBMI1,
		BMI2:     cpu.X86.HasBMI2,
		FMA:      cpu.X86.HasFMA,
		OSXSAVE:  cpu.X86.HasOSXSAVE,
		AVX512F:  cpu.X86.HasAVX512F,
		AVX512BW: cpu.X86.HasAVX512BW,
		AVX512CD: cpu.X86.HasAVX512CD,
		AVX512DQ: cpu.X86.HasAVX512DQ,
		AVX512VL: cpu.X86.HasAVX512VL,
	}
	if file, err := os.Open("/proc/cpuinfo"); err == nil {
		f.Vendor, f.Family = parseCPUInfo(file)
		_ = file.Close()
	}
	return f
}

// parseCPUInfo reads vendor_id and cpu family from the first processor block.
func parseCPUInfo(r io.Reader) (vendor string, family int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "" {
				vendor = value
			}
		case "cpu family":
			if family == 0 {
				family, _ = strconv.Atoi(value)
			}
		}
		if vendor != "" && family != 0 {
			break
		}
	}
	return vendor, family
}

// TierOfRepo returns the tier a repository name claims through its suffix
// ("cachyos-v3", "cachyos-core-znver4", ...) and whether it claims one at all.
func TierOfRepo(name string) (Tier, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "-znver4"):
		return Znver4, true
	case strings.HasSuffix(lower, "-v4"):
		return V4, true
	case strings.HasSuffix(lower, "-v3"):
		return V3, true
	default:
		return Baseline, false
	}
}

// Grant returns the tier a repository is allowed to act as on a CPU at level
// cpu. A repository claiming a tier the CPU cannot run is not granted any.
func Grant(name string, cpu Tier) (Tier, bool) {
	claimed, ok := TierOfRepo(name)
	if !ok || !cpu.Runs(claimed) {
		return Baseline, false
	}
	return claimed, true
}
