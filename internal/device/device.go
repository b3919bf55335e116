package device

import "time"

// Snapshot is one point-in-time view of a device as sent to the telemetry backend.
//
// Collectors produce it; nothing in the agent mutates a snapshot after it is built.
type Snapshot struct {
	Name         string       `json:"name"`
	IPAddress    string       `json:"ipAddress"`
	MACAddress   string       `json:"macAddress"`
	DeviceType   string       `json:"deviceType"`
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	Location     string       `json:"location"`
	Hardware     HardwareInfo `json:"hardwareInfo"`
	Software     SoftwareInfo `json:"softwareInfo"`
	CollectedAt  time.Time    `json:"collectedAt"`
}

type HardwareInfo struct {
	CPU                     string           `json:"cpu"`
	CPUCores                int              `json:"cpuCores"`
	CPUClockMHz             int              `json:"cpuClockMHz"`
	RAMGB                   float64          `json:"ramGB"`
	DiskGB                  float64          `json:"diskGB"`
	Motherboard             string           `json:"motherboard"`
	MotherboardManufacturer string           `json:"motherboardManufacturer"`
	BIOSVersion             string           `json:"biosVersion"`
	BIOSManufacturer        string           `json:"biosManufacturer"`
	RAMModules              []RAMModule      `json:"ramModules"`
	Disks                   []Disk           `json:"disks"`
	GPUs                    []GPU            `json:"gpus"`
	NetworkAdapters         []NetworkAdapter `json:"networkAdapters"`
}

type RAMModule struct {
	Slot         string  `json:"slot"`
	CapacityGB   float64 `json:"capacityGB"`
	SpeedMHz     int     `json:"speedMHz"`
	Manufacturer string  `json:"manufacturer"`
	PartNumber   string  `json:"partNumber"`
	SerialNumber string  `json:"serialNumber"`
}

// Disk is a mounted volume; DeviceID is a drive letter or mount point.
type Disk struct {
	DeviceID string  `json:"deviceId"`
	TotalGB  float64 `json:"totalGB"`
	FreeGB   float64 `json:"freeGB"`
}

type GPU struct {
	Name     string   `json:"name"`
	MemoryGB *float64 `json:"memoryGB,omitempty"`
}

type NetworkAdapter struct {
	Description string `json:"description"`
	MACAddress  string `json:"macAddress"`
	IPAddress   string `json:"ipAddress"`
}

type SoftwareInfo struct {
	OperatingSystem string   `json:"operatingSystem"`
	OSVersion       string   `json:"osVersion"`
	InstalledApps   []string `json:"installedApps"`
	Users           []string `json:"users"`
	ActiveUser      string   `json:"activeUser"`
}

// ScanResult describes one host that answered a discovery probe and had a resolvable MAC.
type ScanResult struct {
	IPAddress      string `json:"ipAddress"`
	MACAddress     string `json:"macAddress"`
	Manufacturer   string `json:"manufacturer"`
	DeviceType     string `json:"deviceType"`
	Hostname       string `json:"hostname,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	OpenPorts      []int  `json:"openPorts,omitempty"`
}

// Snapshot synthesizes the minimal identity-only snapshot uploaded for a discovered host.
func (r ScanResult) Snapshot(now time.Time) Snapshot {
	name := r.Hostname
	if name == "" {
		name = r.IPAddress
	}
	return Snapshot{
		Name:         name,
		IPAddress:    r.IPAddress,
		MACAddress:   r.MACAddress,
		DeviceType:   r.DeviceType,
		Manufacturer: r.Manufacturer,
		CollectedAt:  now,
	}
}
