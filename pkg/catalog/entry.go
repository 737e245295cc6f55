package catalog

import (
	"slices"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// Label values advertised by catalog entries.
const (
	LabelVision     = "vision"
	LabelEmbeddings = "embeddings"
	LabelReranking  = "reranking"
)

// ImageDefaults carries the default generation parameters applied when an
// image request omits them.
type ImageDefaults struct {
	Steps         int     `json:"steps"`
	GuidanceScale float64 `json:"cfg_scale"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
}

// ModelEntry describes one model known to the server. Entries are immutable
// after registration.
type ModelEntry struct {
	// Name is the unique, case-sensitive model identifier.
	Name string `json:"model_name"`
	// Family selects the backend runtime for the model.
	Family inference.Family `json:"family"`
	// Checkpoint is the remote repository reference, either "org/name" or
	// "org/name:filename".
	Checkpoint string `json:"checkpoint"`
	// MMProj is an optional secondary artifact (multi-modal projector).
	MMProj string `json:"mmproj,omitempty"`
	// Recipe is the (family, quantization, accelerator) shorthand tag.
	Recipe string `json:"recipe,omitempty"`
	// Labels advertise capabilities such as "vision", "embeddings" and
	// "reranking".
	Labels []string `json:"labels,omitempty"`
	// ContextSize is the default context length passed to the backend. Zero
	// means the backend's own default.
	ContextSize int `json:"ctx_size,omitempty"`
	// ImageDefaults applies to image-generation entries only.
	ImageDefaults *ImageDefaults `json:"image_defaults,omitempty"`
	// DType is the quantization or dtype hint (e.g. "Q4_K_M", "fp16").
	DType string `json:"dtype,omitempty"`

	// builtin marks entries baked into the binary. Builtin identifiers are
	// reserved and cannot be shadowed by user registrations.
	builtin bool
}

// HasLabel reports whether the entry advertises the given label.
func (e ModelEntry) HasLabel(label string) bool {
	return slices.Contains(e.Labels, label)
}

// Builtin reports whether the entry is baked into the binary.
func (e ModelEntry) Builtin() bool {
	return e.builtin
}
