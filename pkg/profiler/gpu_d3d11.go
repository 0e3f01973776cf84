//go:build gpu_d3d11

package profiler

const CompiledGPUAPI = GPUD3D11

func (p *Profiler) InitD3D11(device, immediateContext uintptr) error {
	return p.initGPU("InitD3D11", GPUInit{
		API:     GPUD3D11,
		Device:  device,
		Context: immediateContext,
	})
}

// D3D11Context wraps an ID3D11DeviceContext pointer.
func D3D11Context(deviceContext uintptr) GPUContext {
	return GPUContext{handle: deviceContext}
}
