package gpu

import (
	"strings"
)

// GPUVendor represents the GPU manufacturer
type GPUVendor string

const (
	VendorNVIDIA GPUVendor = "NVIDIA"
	VendorAMD    GPUVendor = "AMD"
	VendorIntel  GPUVendor = "Intel"
)

// GPUTier represents performance tier, used to annotate system-info output
// for operators; never consulted by the admission engine.
type GPUTier string

const (
	TierEnterprise GPUTier = "enterprise" // H100, H200, MI300X
	TierHighEnd    GPUTier = "high_end"   // A100, V100, MI250X
	TierMidRange   GPUTier = "mid_range"  // RTX 4090, RTX 3090, MI210
	TierBudget     GPUTier = "budget"     // RTX 3060, RX 6600
	TierUnknown    GPUTier = "unknown"
)

// GPUGroup represents a classification of GPU by vendor and model
type GPUGroup struct {
	Vendor      GPUVendor
	Model       string
	Tier        GPUTier
	VRAM        int    // GB
	ComputeCaps string // CUDA compute capability or equivalent
}

// GPU group definitions
var GPUGroups = map[string]GPUGroup{
	// NVIDIA Enterprise
	"H100": {Vendor: VendorNVIDIA, Model: "H100", Tier: TierEnterprise, VRAM: 80, ComputeCaps: "9.0"},
	"H200": {Vendor: VendorNVIDIA, Model: "H200", Tier: TierEnterprise, VRAM: 141, ComputeCaps: "9.0"},
	"A100": {Vendor: VendorNVIDIA, Model: "A100", Tier: TierHighEnd, VRAM: 80, ComputeCaps: "8.0"},
	"A100-40GB": {Vendor: VendorNVIDIA, Model: "A100-40GB", Tier: TierHighEnd, VRAM: 40, ComputeCaps: "8.0"},

	// NVIDIA High-End
	"V100":       {Vendor: VendorNVIDIA, Model: "V100", Tier: TierHighEnd, VRAM: 32, ComputeCaps: "7.0"},
	"Tesla V100": {Vendor: VendorNVIDIA, Model: "Tesla V100", Tier: TierHighEnd, VRAM: 32, ComputeCaps: "7.0"},
	"P100":       {Vendor: VendorNVIDIA, Model: "P100", Tier: TierHighEnd, VRAM: 16, ComputeCaps: "6.0"},

	// NVIDIA Mid-Range
	"RTX 4090": {Vendor: VendorNVIDIA, Model: "RTX 4090", Tier: TierMidRange, VRAM: 24, ComputeCaps: "8.9"},
	"RTX 3090": {Vendor: VendorNVIDIA, Model: "RTX 3090", Tier: TierMidRange, VRAM: 24, ComputeCaps: "8.6"},
	"RTX 3080": {Vendor: VendorNVIDIA, Model: "RTX 3080", Tier: TierMidRange, VRAM: 10, ComputeCaps: "8.6"},

	// NVIDIA Budget
	"RTX 3060":    {Vendor: VendorNVIDIA, Model: "RTX 3060", Tier: TierBudget, VRAM: 12, ComputeCaps: "8.6"},
	"GTX 1080 Ti": {Vendor: VendorNVIDIA, Model: "GTX 1080 Ti", Tier: TierBudget, VRAM: 11, ComputeCaps: "6.1"},

	// AMD Enterprise
	"MI300X": {Vendor: VendorAMD, Model: "MI300X", Tier: TierEnterprise, VRAM: 192, ComputeCaps: "gfx942"},
	"MI250X": {Vendor: VendorAMD, Model: "MI250X", Tier: TierHighEnd, VRAM: 128, ComputeCaps: "gfx90a"},
	"MI210":  {Vendor: VendorAMD, Model: "MI210", Tier: TierMidRange, VRAM: 64, ComputeCaps: "gfx90a"},

	// AMD Consumer
	"RX 7900 XTX": {Vendor: VendorAMD, Model: "RX 7900 XTX", Tier: TierMidRange, VRAM: 24, ComputeCaps: "gfx1100"},
	"RX 6900 XT":  {Vendor: VendorAMD, Model: "RX 6900 XT", Tier: TierMidRange, VRAM: 16, ComputeCaps: "gfx1030"},
	"RX 6600":     {Vendor: VendorAMD, Model: "RX 6600", Tier: TierBudget, VRAM: 8, ComputeCaps: "gfx1032"},

	// Intel
	"Max 1550": {Vendor: VendorIntel, Model: "Max 1550", Tier: TierHighEnd, VRAM: 128, ComputeCaps: "PVC"},
	"Arc A770": {Vendor: VendorIntel, Model: "Arc A770", Tier: TierMidRange, VRAM: 16, ComputeCaps: "DG2"},
}

// ClassifyGPU attempts to classify a GPU by its reported product name,
// falling back to a best-effort vendor guess when the exact model isn't in
// GPUGroups.
func ClassifyGPU(name string) (GPUGroup, bool) {
	name = strings.TrimSpace(name)

	if group, ok := GPUGroups[name]; ok {
		return group, true
	}

	nameLower := strings.ToLower(name)
	for key, group := range GPUGroups {
		if strings.ToLower(key) == nameLower {
			return group, true
		}
	}

	for key, group := range GPUGroups {
		if strings.Contains(nameLower, strings.ToLower(key)) {
			return group, true
		}
	}

	return GPUGroup{
		Vendor: detectVendor(name),
		Model:  name,
		Tier:   TierUnknown,
	}, false
}

// detectVendor tries to determine vendor from GPU name
func detectVendor(name string) GPUVendor {
	nameLower := strings.ToLower(name)

	if strings.Contains(nameLower, "nvidia") ||
		strings.Contains(nameLower, "tesla") ||
		strings.Contains(nameLower, "rtx") ||
		strings.Contains(nameLower, "gtx") ||
		strings.HasPrefix(nameLower, "a") && (strings.Contains(nameLower, "100") || strings.Contains(nameLower, "40")) ||
		strings.HasPrefix(nameLower, "h") && (strings.Contains(nameLower, "100") || strings.Contains(nameLower, "200")) ||
		strings.HasPrefix(nameLower, "v100") ||
		strings.HasPrefix(nameLower, "p100") {
		return VendorNVIDIA
	}

	if strings.Contains(nameLower, "amd") ||
		strings.Contains(nameLower, "radeon") ||
		strings.HasPrefix(nameLower, "rx") ||
		strings.HasPrefix(nameLower, "mi") {
		return VendorAMD
	}

	if strings.Contains(nameLower, "intel") ||
		strings.Contains(nameLower, "arc") ||
		strings.Contains(nameLower, "max") {
		return VendorIntel
	}

	return GPUVendor("Unknown")
}
