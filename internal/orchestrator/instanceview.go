package orchestrator

import "github.com/polunzh/aiva/internal/platform"

// instanceView adapts an *Instance to platform.InstanceView so drivers can
// read the fields they need without the platform package importing
// orchestrator (which imports platform for the Driver contract).
type instanceView struct {
	inst *Instance
}

// View wraps inst as a platform.InstanceView.
func View(inst *Instance) platform.InstanceView { return instanceView{inst: inst} }

func (v instanceView) InstanceName() string  { return v.inst.Name }
func (v instanceView) APISocketPath() string { return v.inst.Runtime.APISocket }
func (v instanceView) TapDevice() string     { return v.inst.Runtime.TapDevice }
func (v instanceView) VsockCID() uint32      { return v.inst.Runtime.VsockCID }
func (v instanceView) CPUCores() int         { return v.inst.Config.Resources.CPUCores }
func (v instanceView) MemoryMB() int         { return v.inst.Config.Resources.MemoryMB }
func (v instanceView) DiskGB() int           { return v.inst.Config.Resources.DiskGB }
func (v instanceView) KernelPath() string    { return v.inst.Config.KernelPath }
func (v instanceView) RootFSPath() string    { return v.inst.Config.RootFSPath }
func (v instanceView) KernelCmdline() string { return v.inst.Config.KernelCmdline }
func (v instanceView) GuestIP() string       { return v.inst.Config.Network.GuestIP }
func (v instanceView) HostIP() string        { return v.inst.Config.Network.HostIP }
func (v instanceView) Gateway() string       { return v.inst.Config.Network.Gateway }

func (v instanceView) AdditionalDrives() []platform.BlockDevice {
	drives := make([]platform.BlockDevice, len(v.inst.Config.Storage.AdditionalDrives))
	for i, d := range v.inst.Config.Storage.AdditionalDrives {
		drives[i] = platform.BlockDevice{Name: d.Name, Path: d.Path, ReadOnly: d.ReadOnly}
	}
	return drives
}

var _ platform.InstanceView = instanceView{}
