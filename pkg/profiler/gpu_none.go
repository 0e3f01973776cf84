//go:build !gpu_gl && !gpu_d3d11 && !gpu_d3d12 && !gpu_vulkan

package profiler

// CompiledGPUAPI is fixed by build tags. Build with one of gpu_gl,
// gpu_d3d11, gpu_d3d12 or gpu_vulkan to enable GPU timers.
const CompiledGPUAPI = GPUNone
