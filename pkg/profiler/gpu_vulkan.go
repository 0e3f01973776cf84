//go:build gpu_vulkan

package profiler

import "fmt"

const CompiledGPUAPI = GPUVulkan

// InitVulkan registers one logical device, physical device and queue per
// node. The three slices must have the same length.
func (p *Profiler) InitVulkan(devices, physicalDevices, queues []uintptr, queueFamily uint32) error {
	if len(devices) != len(physicalDevices) || len(devices) != len(queues) {
		return fmt.Errorf("%w: InitVulkan: %d devices, %d physical devices, %d queues",
			ErrBackend, len(devices), len(physicalDevices), len(queues))
	}
	return p.initGPU("InitVulkan", GPUInit{
		API:             GPUVulkan,
		Devices:         devices,
		PhysicalDevices: physicalDevices,
		Queues:          queues,
		QueueFamily:     queueFamily,
		NodeCount:       uint32(len(devices)),
	})
}

// VulkanContext wraps a VkCommandBuffer handle.
func VulkanContext(commandBuffer uintptr) GPUContext {
	return GPUContext{handle: commandBuffer}
}
