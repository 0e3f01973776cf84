//go:build gpu_d3d12

package profiler

const CompiledGPUAPI = GPUD3D12

// InitD3D12 registers the device and one command queue per node.
func (p *Profiler) InitD3D12(device uintptr, queues []uintptr) error {
	return p.initGPU("InitD3D12", GPUInit{
		API:       GPUD3D12,
		Device:    device,
		Queues:    queues,
		NodeCount: uint32(len(queues)),
	})
}

// D3D12Context wraps an ID3D12GraphicsCommandList pointer.
func D3D12Context(commandList uintptr) GPUContext {
	return GPUContext{handle: commandList}
}
