// Package cpuspec reports the host CPU facts the pipeline cares about: the
// SIMD extensions the vector kernels can use and which cores are fast enough
// to pin the processor thread to.
package cpuspec

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string `json:"brand"`
	Vendor           string `json:"vendor"`
	LogicalCores     int    `json:"logical_cores"`
	PhysicalCores    int    `json:"physical_cores"`
	PerformanceCores int    `json:"performance_cores"`
	SIMD             string `json:"simd"`
}

// GetCPUSpec returns CPU specifications for the host
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:        cpuid.CPU.BrandName,
		Vendor:           cpuid.CPU.VendorString,
		LogicalCores:     cpuid.CPU.LogicalCores,
		PhysicalCores:    cpuid.CPU.PhysicalCores,
		PerformanceCores: determinePerformanceCores(cpuid.CPU.BrandName),
		SIMD:             simdLevel(),
	}
}

// simdLevel names the widest vector extension usable for float64 kernels
func simdLevel() string {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		return "avx2"
	case cpuid.CPU.Supports(cpuid.SSE2):
		return "sse2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return "neon"
	default:
		return "scalar"
	}
}

// PreferredCPU returns the CPU to pin the processor thread to. On hybrid
// parts performance cores are enumerated first, so the last performance
// thread is chosen; elsewhere the last CPU, leaving CPU 0 to interrupts.
func (c CPUSpec) PreferredCPU() int {
	n := runtime.NumCPU()
	if n <= 1 {
		return 0
	}
	if c.PerformanceCores > 0 {
		threads := c.PerformanceCores
		if c.LogicalCores > c.PhysicalCores && c.PhysicalCores > 0 {
			threads *= 2
		}
		return min(threads, n) - 1
	}
	return n - 1
}

// intelPCores maps Intel 12th-14th gen model numbers to P-core counts
var intelPCores = map[string]int{
	"12900": 8, "12700": 8, "12600": 6, "12400": 6, "12100": 4,
	"13900": 8, "13700": 8, "13600": 6, "13500": 6, "13400": 6, "13100": 4,
	"14900": 8, "14700": 8, "14600": 6, "14400": 6, "14100": 4,
}

// intelUltraPCores maps Core Ultra models to P-core counts
var intelUltraPCores = map[string]int{
	"285": 8, "265": 8, "255": 8, "245": 6, "235": 6, "225": 4,
}

// applePCores maps Apple silicon to performance core counts; where a chip
// ships in two configurations the larger is used
var applePCores = map[string]int{
	"m1": 4, "m1 pro": 8, "m1 max": 8, "m1 ultra": 16,
	"m2": 4, "m2 pro": 8, "m2 max": 12, "m2 ultra": 24,
	"m3": 4, "m3 pro": 6, "m3 max": 12, "m3 ultra": 24,
	"m4": 4, "m4 pro": 10, "m4 max": 12,
}

var (
	intelCoreRegex  = regexp.MustCompile(`intel.*core.*i[3579]-(\d{5})`)
	intelUltraRegex = regexp.MustCompile(`intel.*core.*ultra\s+[579]\s+(?:processor\s+)?(\d{3})`)
	appleRegex      = regexp.MustCompile(`apple\s+(m[1-4](?:\s+(?:pro|max|ultra))?)`)
)

// determinePerformanceCores returns the P-core count of known hybrid
// parts, 0 when unknown or not hybrid
func determinePerformanceCores(brandName string) int {
	brandName = strings.ToLower(brandName)

	if m := intelCoreRegex.FindStringSubmatch(brandName); m != nil {
		return intelPCores[m[1]]
	}
	if m := intelUltraRegex.FindStringSubmatch(brandName); m != nil {
		return intelUltraPCores[m[1]]
	}
	if m := appleRegex.FindStringSubmatch(brandName); m != nil {
		return applePCores[strings.Join(strings.Fields(m[1]), " ")]
	}
	return 0
}
