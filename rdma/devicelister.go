package rdma

// DeviceInfo describes one discoverable RDMA device, the fields a Device
// needs to open its rails: a provider-resolvable name and how many rails
// (ports) it exposes.
type DeviceInfo struct {
	Name      string
	NumRails  int
}

// DeviceLister resolves configured NIC names to fabric providers at Device
// construction time. Production deployments back this onto the host's RDMA
// device tree (see DESIGN.md for the library this is grounded on); this
// module's default implementation backs directly onto the software fabric's
// own provider registry so tests need no privileged syscalls.
type DeviceLister interface {
	ListRDMADevices() ([]DeviceInfo, error)
}

// softwareDeviceLister is the default DeviceLister: every name it is asked
// about resolves to the single software fabric provider, with the caller
// supplying how many rails to open.
type softwareDeviceLister struct {
	devices []DeviceInfo
}

// NewSoftwareDeviceLister returns a DeviceLister that reports exactly the
// given devices, for use against the udpverbs software fabric backend.
func NewSoftwareDeviceLister(devices []DeviceInfo) DeviceLister {
	return &softwareDeviceLister{devices: devices}
}

func (l *softwareDeviceLister) ListRDMADevices() ([]DeviceInfo, error) {
	out := make([]DeviceInfo, len(l.devices))
	copy(out, l.devices)
	return out, nil
}
