//go:build gpu_gl

package profiler

const CompiledGPUAPI = GPUGL

// InitGL loads the GL timer query entry points through procAddress.
func (p *Profiler) InitGL(procAddress func(name string) uintptr) error {
	return p.initGPU("InitGL", GPUInit{
		API:         GPUGL,
		ProcAddress: procAddress,
	})
}

// GLContext returns the context for GL flips. GL timers run on the current
// context, so there is no handle to pass.
func GLContext() GPUContext {
	return GPUContext{}
}
