package installer

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/jaypipes/ghw"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// Accelerator variant names.
const (
	VariantVulkan = "vulkan"
	VariantROCm   = "rocm"
	VariantMetal  = "metal"
	VariantCPU    = "cpu"
)

// PreferSystemEnv forces the "system" variant to the front of the llama.cpp
// preference order when the binary is present on PATH.
const PreferSystemEnv = "LEMONADE_LLAMACPP_PREFER_SYSTEM"

// Release versions installed per family when no minimum is requested.
const (
	DefaultLlamaCppVersion = "b5787"
	DefaultSDVersion       = "master-697d000"
	DefaultWhisperVersion  = "v1.7.6"
	DefaultTTSVersion      = "v0.2.1"
)

// supportedVariants enumerates the (OS, variant) combinations per family.
var supportedVariants = map[inference.Family]map[string][]string{
	inference.FamilyLlamaCpp: {
		"linux":   {VariantVulkan, VariantROCm, VariantCPU},
		"windows": {VariantVulkan, VariantROCm, VariantCPU},
		"darwin":  {VariantMetal, VariantCPU},
	},
	inference.FamilySD: {
		"linux":   {VariantVulkan, VariantROCm, VariantCPU},
		"windows": {VariantVulkan, VariantROCm, VariantCPU},
		"darwin":  {VariantMetal, VariantCPU},
	},
	inference.FamilyWhisper: {
		"linux":   {VariantVulkan, VariantCPU},
		"windows": {VariantVulkan, VariantCPU},
		"darwin":  {VariantMetal, VariantCPU},
	},
	inference.FamilyTTS: {
		"linux":   {VariantCPU},
		"windows": {VariantCPU},
		"darwin":  {VariantCPU},
	},
	// FLM ships its own installer; only the host binary is usable.
	inference.FamilyFLM: {},
}

func variantSupported(family inference.Family, goos, variant string) bool {
	byOS, ok := supportedVariants[family]
	if !ok {
		return false
	}
	for _, supported := range byOS[goos] {
		if supported == variant {
			return true
		}
	}
	return false
}

// executableName returns the binary name launched for a family.
func executableName(family inference.Family) string {
	switch family {
	case inference.FamilyLlamaCpp:
		return "llama-server"
	case inference.FamilyFLM:
		return "flm"
	case inference.FamilySD:
		return "sd-server"
	case inference.FamilyWhisper:
		return "whisper-server"
	case inference.FamilyTTS:
		return "kokoro-server"
	default:
		return string(family)
	}
}

// archiveURL maps a spec to its release archive. Archives are keyed by OS,
// architecture, accelerator variant and version.
func archiveURL(spec Spec) (string, error) {
	osTag, ok := map[string]string{
		"windows": "win",
		"linux":   "ubuntu",
		"darwin":  "macos",
	}[runtime.GOOS]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedPlatform, spec.Family, runtime.GOOS)
	}
	arch := "x64"
	if runtime.GOARCH == "arm64" {
		arch = "arm64"
	}

	switch spec.Family {
	case inference.FamilyLlamaCpp:
		if spec.Variant == VariantMetal {
			// Metal builds are published without a variant tag.
			return fmt.Sprintf(
				"https://github.com/ggml-org/llama.cpp/releases/download/%s/llama-%s-bin-%s-%s.zip",
				spec.Version, spec.Version, osTag, arch), nil
		}
		return fmt.Sprintf(
			"https://github.com/ggml-org/llama.cpp/releases/download/%s/llama-%s-bin-%s-%s-%s.zip",
			spec.Version, spec.Version, osTag, spec.Variant, arch), nil
	case inference.FamilySD:
		return fmt.Sprintf(
			"https://github.com/leejet/stable-diffusion.cpp/releases/download/%s/sd-%s-bin-%s-%s-%s.zip",
			spec.Version, spec.Version, osTag, spec.Variant, arch), nil
	case inference.FamilyWhisper:
		return fmt.Sprintf(
			"https://github.com/ggml-org/whisper.cpp/releases/download/%s/whisper-%s-bin-%s-%s-%s.zip",
			spec.Version, spec.Version, osTag, spec.Variant, arch), nil
	case inference.FamilyTTS:
		return fmt.Sprintf(
			"https://github.com/lemonade-sdk/assets/releases/download/%s/kokoro-server-%s-bin-%s-%s.zip",
			spec.Version, spec.Version, osTag, arch), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, spec.Family)
	}
}

// DefaultVersion returns the pinned release for a family.
func DefaultVersion(family inference.Family) string {
	switch family {
	case inference.FamilyLlamaCpp:
		return DefaultLlamaCppVersion
	case inference.FamilySD:
		return DefaultSDVersion
	case inference.FamilyWhisper:
		return DefaultWhisperVersion
	case inference.FamilyTTS:
		return DefaultTTSVersion
	default:
		return ""
	}
}

// hostAccelerators probes the machine for usable accelerator variants using
// the PCI GPU inventory. Probing failures degrade to CPU-only.
func (i *Installer) hostAccelerators() map[string]bool {
	available := map[string]bool{VariantCPU: true}
	if runtime.GOOS == "darwin" {
		available[VariantMetal] = true
		return available
	}
	gpu, err := ghw.GPU()
	if err != nil {
		i.log.Debugf("GPU probe failed, assuming CPU only: %v", err)
		return available
	}
	for _, card := range gpu.GraphicsCards {
		if card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		available[VariantVulkan] = true
		vendor := strings.ToLower(card.DeviceInfo.Vendor.Name)
		if strings.Contains(vendor, "advanced micro devices") || strings.Contains(vendor, "amd") {
			available[VariantROCm] = true
		}
	}
	return available
}

// SelectPreferredVariant picks the first available accelerator variant from
// the family preference list. A non-empty override (CLI flag or environment)
// wins if the platform supports it.
func (i *Installer) SelectPreferredVariant(family inference.Family, override string) (string, error) {
	if override != "" {
		if override == VariantSystem || variantSupported(family, runtime.GOOS, override) {
			return override, nil
		}
		return "", fmt.Errorf("%w: %s/%s on %s", ErrUnsupportedPlatform, family, override, runtime.GOOS)
	}

	available := i.hostAccelerators()
	if _, err := exec.LookPath(executableName(family)); err == nil {
		available[VariantSystem] = true
	}

	preference := []string{VariantVulkan, VariantROCm, VariantCPU, VariantSystem}
	if runtime.GOOS == "darwin" {
		preference = []string{VariantMetal, VariantCPU, VariantSystem}
	}
	if family == inference.FamilyLlamaCpp && os.Getenv(PreferSystemEnv) != "" && available[VariantSystem] {
		preference = append([]string{VariantSystem}, preference...)
	}
	if family == inference.FamilyFLM {
		// FLM has no downloadable archive; the host install is the only
		// option.
		if available[VariantSystem] {
			return VariantSystem, nil
		}
		return "", fmt.Errorf("%w: flm", ErrSystemBinaryMissing)
	}

	for _, variant := range preference {
		if !available[variant] {
			continue
		}
		if variant == VariantSystem || variantSupported(family, runtime.GOOS, variant) {
			return variant, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedPlatform, family, runtime.GOOS)
}
