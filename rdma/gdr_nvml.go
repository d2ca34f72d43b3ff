//go:build gpunvml

package rdma

import (
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlProbe queries the host's NVIDIA GPUs for GPUDirect RDMA support via
// go-nvml/go-nvlib, the way the corpus's accelerator health checks detect
// and enumerate GPUs. Built only under the gpunvml tag: this module has no
// GPU hardware or CUDA toolkit available to link against by default.
type nvmlProbe struct{}

func (nvmlProbe) Probe() (Support, error) {
	lib := nvml.New()
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return Unsupported, fmt.Errorf("rdma: nvml init: %v", nvml.ErrorString(ret))
	}
	defer lib.Shutdown()

	devLib := device.New(lib)
	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return Unsupported, fmt.Errorf("rdma: nvml device count: %v", nvml.ErrorString(ret))
	}
	if count == 0 {
		return Unsupported, nil
	}

	for i := 0; i < count; i++ {
		dev, ret := lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		nvDev, err := devLib.NewDevice(dev)
		if err != nil {
			continue
		}
		isP2P, err := nvDev.IsP2PAvailable()
		if err == nil && isP2P {
			return Supported, nil
		}
	}
	return Unsupported, nil
}
