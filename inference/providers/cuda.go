package providers

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// CUDABackend uses NVIDIA CUDA for GPU acceleration.
	CUDABackend Backend = "cuda"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"deviceID" yaml:"deviceID"`
	// The size limit of the device memory arena in bytes; 0 leaves the default.
	GPUMemLimit int64 `json:"gpuMemLimit" yaml:"gpuMemLimit"`
	// The type of search done for cuDNN convolution algorithms.
	// 0: EXHAUSTIVE, 1: HEURISTIC, 2: DEFAULT
	CudnnConvAlgoSearch int `json:"cudnnConvAlgoSearch" yaml:"cudnnConvAlgoSearch"`
	// Prefer NHWC operators over NCHW. Segmentation outputs are NHWC already.
	PreferNHWC bool `json:"preferNHWC" yaml:"preferNHWC"`
}

// ToMap renders the options as ONNX Runtime provider keys.
func (o CUDAOptions) ToMap() map[string]string {
	m := map[string]string{
		"device_id":              fmt.Sprintf("%d", o.DeviceID),
		"cudnn_conv_algo_search": cudnnSearchName(o.CudnnConvAlgoSearch),
		"prefer_nhwc":            boolFlag(o.PreferNHWC),
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = fmt.Sprintf("%d", o.GPUMemLimit)
	}
	return m
}

// ToNativeProviderOptions converts the CUDA options to native provider options.
// **The caller must Destroy the result.**
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.ToMap()); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func cudnnSearchName(v int) string {
	switch v {
	case 0:
		return "EXHAUSTIVE"
	case 1:
		return "HEURISTIC"
	default:
		return "DEFAULT"
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
