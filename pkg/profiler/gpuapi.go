package profiler

import "fmt"

// GPUAPI names the graphics API the GPU timers are compiled against.
type GPUAPI int

const (
	GPUNone GPUAPI = iota
	GPUGL
	GPUD3D11
	GPUD3D12
	GPUVulkan
)

var gpuAPINames = [...]string{
	"none",
	"gl",
	"d3d11",
	"d3d12",
	"vulkan",
}

func (a GPUAPI) String() string {
	if a < 0 || int(a) >= len(gpuAPINames) {
		return fmt.Sprintf("GPUAPI(%d)", int(a))
	}
	return gpuAPINames[a]
}

// GPUContext is the native command buffer or device context handed to Flip
// so the backend can submit its timer queries. The zero value means no
// context. Constructors for the compiled API live in the gpu_*.go files.
type GPUContext struct {
	handle uintptr
}

// NoGPUContext flips without submitting GPU timers.
var NoGPUContext = GPUContext{}

func (c GPUContext) Handle() uintptr {
	return c.handle
}

func (c GPUContext) Valid() bool {
	return c.handle != 0
}
