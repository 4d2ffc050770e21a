// Package providers - Acceleration backends for the ONNX Runtime executor.
package providers

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend runs on the default ONNX Runtime CPU provider.
	CPUBackend Backend = "cpu"
)

// Backends lists every supported backend, most portable first.
var Backends = []Backend{CPUBackend, CoreMLBackend, CUDABackend, OpenVINOBackend}

// ParseBackend resolves a backend name, case-insensitively. The empty string
// means CPUBackend.
//
// Arguments:
//   - name: The backend name.
//
// Returns:
//   - Backend: The backend.
//   - error: An error if the name is unknown.
func ParseBackend(name string) (Backend, error) {
	if name == "" {
		return CPUBackend, nil
	}
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Backends {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unsupported backend %q", name)
}

// Options holds the per-backend settings plus the shared threading knobs.
type Options struct {
	// IntraOpNumThreads sets threads used inside a single operator; 0 lets ORT decide.
	IntraOpNumThreads int `json:"intraOpNumThreads" yaml:"intraOpNumThreads"`
	// InterOpNumThreads sets threads used across independent operators; 0 lets ORT decide.
	InterOpNumThreads int `json:"interOpNumThreads" yaml:"interOpNumThreads"`

	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"`
	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// NewSessionOptions creates ONNX Runtime session options for the backend.
//
// Order of operations:
//  1. Session options: threading and graph optimization level.
//  2. Execution provider: appended for every backend but CPU.
//
// **The caller owns the returned options and must Destroy them.**
//
// Arguments:
//   - backend: The execution provider to enable.
//   - opts: The provider settings.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if the options or provider could not be set up.
func NewSessionOptions(backend Backend, opts Options) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	if err := configure(options, backend, opts); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, backend Backend, opts Options) error {
	if err := options.SetIntraOpNumThreads(opts.IntraOpNumThreads); err != nil {
		return fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(opts.InterOpNumThreads); err != nil {
		return fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch backend {
	case CPUBackend:
		return nil
	case CoreMLBackend:
		if err := options.AppendExecutionProviderCoreML(opts.CoreML.Flags()); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}
	case OpenVINOBackend:
		if err := options.AppendExecutionProviderOpenVINO(opts.OpenVINO.ToMap()); err != nil {
			return fmt.Errorf("error enabling OpenVINO: %w", err)
		}
	case CUDABackend:
		cuda, err := opts.CUDA.ToNativeProviderOptions()
		if err != nil {
			return fmt.Errorf("error converting CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backend %q", backend)
	}
	return nil
}
