package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in       string
		expected Backend
		wantErr  bool
	}{
		{"", CPUBackend, false},
		{"cpu", CPUBackend, false},
		{" CoreML ", CoreMLBackend, false},
		{"CUDA", CUDABackend, false},
		{"openvino", OpenVINOBackend, false},
		{"tpu", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, err := ParseBackend(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestCoreMLFlags(t *testing.T) {
	assert.Equal(t, uint32(0), CoreMLOptions{}.Flags())
	assert.Equal(t, uint32(0x001|0x010), CoreMLOptions{CPUOnly: true, MLProgram: true}.Flags())
	assert.Equal(t, uint32(0x01f), CoreMLOptions{
		CPUOnly: true, EnableOnSubgraphs: true, RequireNeuralEngine: true,
		RequireStaticInputShapes: true, MLProgram: true,
	}.Flags())
}

func TestCUDAToMap(t *testing.T) {
	m := CUDAOptions{DeviceID: 1, CudnnConvAlgoSearch: 1, PreferNHWC: true}.ToMap()
	assert.Equal(t, map[string]string{
		"device_id":              "1",
		"cudnn_conv_algo_search": "HEURISTIC",
		"prefer_nhwc":            "1",
	}, m)

	m = CUDAOptions{GPUMemLimit: 1 << 30, CudnnConvAlgoSearch: 9}.ToMap()
	assert.Equal(t, "1073741824", m["gpu_mem_limit"])
	assert.Equal(t, "DEFAULT", m["cudnn_conv_algo_search"])
}

func TestOpenVINOToMap(t *testing.T) {
	assert.Equal(t, map[string]string{"disable_dynamic_shapes": "false"}, OpenVINOOptions{}.ToMap())
	assert.Equal(t, map[string]string{
		"disable_dynamic_shapes": "true",
		"device_type":            "GPU",
		"precision":              "FP16",
		"num_of_threads":         "4",
	}, OpenVINOOptions{DeviceType: "GPU", Precision: "FP16", NumOfThreads: 4, DisableDynamicShapes: true}.ToMap())
}

func TestGetSharedLibPathEnvOverride(t *testing.T) {
	t.Setenv(SharedLibEnv, "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", GetSharedLibPath())

	t.Setenv(SharedLibEnv, "")
	assert.NotEmpty(t, GetSharedLibPath())
}
