package behavior

import "github.com/orbitpay/sentra/pkg/models"

// Attribute weights for device fingerprint comparison. Rendering-surface
// hashes carry more weight than soft attributes like language.
var deviceAttributeWeights = []struct {
	weight float64
	match  func(a, b models.DeviceFingerprint) bool
}{
	{0.2, func(a, b models.DeviceFingerprint) bool { return a.Browser == b.Browser }},
	{0.2, func(a, b models.DeviceFingerprint) bool { return a.OS == b.OS }},
	{0.1, func(a, b models.DeviceFingerprint) bool { return a.ScreenResolution == b.ScreenResolution }},
	{0.1, func(a, b models.DeviceFingerprint) bool { return a.Timezone == b.Timezone }},
	{0.1, func(a, b models.DeviceFingerprint) bool { return a.Language == b.Language }},
	{0.15, func(a, b models.DeviceFingerprint) bool { return a.CanvasHash == b.CanvasHash }},
	{0.15, func(a, b models.DeviceFingerprint) bool { return a.WebGLHash == b.WebGLHash }},
}

// DeviceSimilarity returns the weighted partial-match score between two
// fingerprints, normalized to [0,1].
func DeviceSimilarity(a, b models.DeviceFingerprint) float64 {
	var matched, total float64
	for _, attr := range deviceAttributeWeights {
		total += attr.weight
		if attr.match(a, b) {
			matched += attr.weight
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}
