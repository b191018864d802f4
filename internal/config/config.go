// Package config resolves the agent's runtime configuration from CLI flags
// and environment variables. All paths are derived from the ComfyUI install
// directory (<home>/ComfyUI by default) so the rest of the codebase never
// joins paths against the home directory itself.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultCriticalDeps is the set of Python packages owned by the ComfyUI
// environment. Plugin installs may add them when absent but must never
// upgrade an installed version. The set is configuration, not code: it is
// expected to be rewritten as the backend evolves.
var DefaultCriticalDeps = []string{
	"torch", "torchvision", "torchaudio", "numpy", "pillow", "opencv-python",
	"opencv-contrib-python", "transformers", "accelerate", "safetensors",
	"xformers", "einops", "diffusers", "compel", "tokenizers", "huggingface-hub",
	"scipy", "scikit-learn", "matplotlib", "requests", "aiohttp", "websockets",
}

// Config holds every knob the agent needs at runtime. It is built once in
// cmd/agent and passed by pointer; nothing mutates it after startup.
type Config struct {
	// MachineID authenticates every control-plane call via the x-machine-id
	// header. Empty disables the control-plane client (hard config failure
	// for any operation that needs it).
	MachineID string

	// BaseURL is the control-plane base URL.
	BaseURL string

	// AssetHost is the hostname whose HTTPS URLs inside workflows are
	// downloaded into the ComfyUI input directory and replaced by filenames.
	AssetHost string

	// ComfyPort is the loopback port the ComfyUI backend listens on.
	ComfyPort int

	// ComfyPath is the ComfyUI install directory. Contains custom_nodes/,
	// models/, input/ and the venv with the pip executable.
	ComfyPath string

	// ListenAddr is the local address the agent's HTTP surface binds to.
	ListenAddr string

	// HFHome overrides the Hugging Face hub cache root. Empty means the
	// hub default (~/.cache/huggingface).
	HFHome string

	// CriticalDeps is the pinned-dependency protection set for plugin
	// installs. Lower-cased, hyphen-normalized package names.
	CriticalDeps []string

	// UpdateRepoURL is the repository the self-update endpoint clones or
	// pulls into custom_nodes.
	UpdateRepoURL string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

const (
	DefaultBaseURL       = "https://fussion.studio"
	DefaultAssetHost     = "fussion.studio"
	DefaultComfyPort     = 8188
	DefaultListenAddr    = ":8189"
	DefaultUpdateRepoURL = "https://github.com/rdlogout/comfyui-nodes"
)

// DefaultComfyPath returns <home>/ComfyUI, falling back to a relative
// "ComfyUI" when the home directory cannot be resolved.
func DefaultComfyPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "ComfyUI")
	}
	return "ComfyUI"
}

// CustomNodesDir is <comfy>/custom_nodes.
func (c *Config) CustomNodesDir() string { return filepath.Join(c.ComfyPath, "custom_nodes") }

// ModelsDir is <comfy>/models.
func (c *Config) ModelsDir() string { return filepath.Join(c.ComfyPath, "models") }

// SharedModelsDir is the fallback target for model-hub downloads whose
// requested local directory is unusable.
func (c *Config) SharedModelsDir() string { return filepath.Join(c.ComfyPath, "models", "shared") }

// InputDir is <comfy>/input, where rewritten workflow assets land.
func (c *Config) InputDir() string { return filepath.Join(c.ComfyPath, "input") }

// PipExecutable is the pip binary inside the ComfyUI virtual environment.
func (c *Config) PipExecutable() string { return filepath.Join(c.ComfyPath, "venv", "bin", "pip") }

// CriticalSet returns CriticalDeps as a lookup set with normalized names.
func (c *Config) CriticalSet() map[string]bool {
	set := make(map[string]bool, len(c.CriticalDeps))
	for _, name := range c.CriticalDeps {
		set[NormalizePackageName(name)] = true
	}
	return set
}

// NormalizePackageName lower-cases a Python package name and folds
// underscores to hyphens, matching pip's own name comparison rules.
func NormalizePackageName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}
