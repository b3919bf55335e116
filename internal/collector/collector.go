package collector

import (
	"context"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/tagging"
)

const gib = 1 << 30

// Pseudo and overlay filesystems are not inventory disks.
var skipFSTypes = map[string]bool{
	"tmpfs": true, "devtmpfs": true, "overlay": true, "squashfs": true, "proc": true,
	"sysfs": true, "cgroup": true, "cgroup2": true, "autofs": true, "devpts": true,
	"nsfs": true, "fuse.lxcfs": true, "tracefs": true, "debugfs": true,
}

type Options struct {
	// Location is copied verbatim into every snapshot.
	Location string
	// DMIDir holds the firmware identity files (sys_vendor, product_name, board_*, bios_*).
	DMIDir string
}

// HostCollector builds a device snapshot of the local machine from gopsutil.
// Facts that cannot be read are left at their zero value.
type HostCollector struct {
	log      zerolog.Logger
	location string
	dmiDir   string
	now      func() time.Time

	hostInfo   func(context.Context) (*host.InfoStat, error)
	users      func(context.Context) ([]host.UserStat, error)
	cpuInfo    func(context.Context) ([]cpu.InfoStat, error)
	cpuCounts  func(context.Context, bool) (int, error)
	memory     func(context.Context) (*mem.VirtualMemoryStat, error)
	partitions func(context.Context, bool) ([]disk.PartitionStat, error)
	usage      func(context.Context, string) (*disk.UsageStat, error)
	interfaces func(context.Context) (psnet.InterfaceStatList, error)
}

func NewHostCollector(log zerolog.Logger, opts Options) *HostCollector {
	dmi := strings.TrimSpace(opts.DMIDir)
	if dmi == "" {
		dmi = "/sys/class/dmi/id"
	}
	return &HostCollector{
		log:        log,
		location:   opts.Location,
		dmiDir:     dmi,
		now:        time.Now,
		hostInfo:   host.InfoWithContext,
		users:      host.UsersWithContext,
		cpuInfo:    cpu.InfoWithContext,
		cpuCounts:  cpu.CountsWithContext,
		memory:     mem.VirtualMemoryWithContext,
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
		interfaces: psnet.InterfacesWithContext,
	}
}

func (c *HostCollector) Collect(ctx context.Context) (device.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return device.Snapshot{}, err
	}

	snap := device.Snapshot{
		Location:    c.location,
		DeviceType:  tagging.TypeWorkstation,
		CollectedAt: c.now().UTC(),
	}

	if hi, err := c.hostInfo(ctx); err != nil {
		c.log.Warn().Err(err).Msg("host info unavailable")
	} else {
		snap.Name = hi.Hostname
		snap.Software.OperatingSystem = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
		snap.Software.OSVersion = hi.KernelVersion
		if hi.VirtualizationRole == "guest" {
			snap.DeviceType = tagging.TypeVirtual
		}
	}

	c.collectFirmware(&snap)
	c.collectCPU(ctx, &snap.Hardware)

	if vm, err := c.memory(ctx); err != nil {
		c.log.Warn().Err(err).Msg("memory info unavailable")
	} else {
		snap.Hardware.RAMGB = toGB(vm.Total)
	}

	c.collectDisks(ctx, &snap.Hardware)
	c.collectAdapters(ctx, &snap)
	c.collectUsers(ctx, &snap.Software)

	return snap, ctx.Err()
}

func (c *HostCollector) collectFirmware(snap *device.Snapshot) {
	snap.Manufacturer = c.dmi("sys_vendor")
	snap.Model = c.dmi("product_name")
	snap.Hardware.Motherboard = c.dmi("board_name")
	snap.Hardware.MotherboardManufacturer = c.dmi("board_vendor")
	snap.Hardware.BIOSVersion = c.dmi("bios_version")
	snap.Hardware.BIOSManufacturer = c.dmi("bios_vendor")
}

func (c *HostCollector) dmi(name string) string {
	b, err := os.ReadFile(filepath.Join(c.dmiDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (c *HostCollector) collectCPU(ctx context.Context, hw *device.HardwareInfo) {
	infos, err := c.cpuInfo(ctx)
	if err != nil || len(infos) == 0 {
		if err != nil {
			c.log.Warn().Err(err).Msg("cpu info unavailable")
		}
	} else {
		hw.CPU = strings.TrimSpace(infos[0].ModelName)
		hw.CPUClockMHz = int(math.Round(infos[0].Mhz))
	}
	if n, err := c.cpuCounts(ctx, false); err == nil {
		hw.CPUCores = n
	}
}

func (c *HostCollector) collectDisks(ctx context.Context, hw *device.HardwareInfo) {
	parts, err := c.partitions(ctx, false)
	if err != nil {
		c.log.Warn().Err(err).Msg("disk partitions unavailable")
		return
	}

	seen := map[string]bool{}
	for _, p := range parts {
		if skipFSTypes[p.Fstype] || seen[p.Device] {
			continue
		}
		u, err := c.usage(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		seen[p.Device] = true
		hw.Disks = append(hw.Disks, device.Disk{
			DeviceID: p.Mountpoint,
			TotalGB:  toGB(u.Total),
			FreeGB:   toGB(u.Free),
		})
		hw.DiskGB += toGB(u.Total)
	}
	sort.Slice(hw.Disks, func(i, j int) bool { return hw.Disks[i].DeviceID < hw.Disks[j].DeviceID })
	hw.DiskGB = round2(hw.DiskGB)
}

// collectAdapters fills NetworkAdapters and takes the device identity from the first
// up, non-loopback adapter with an IPv4 address.
func (c *HostCollector) collectAdapters(ctx context.Context, snap *device.Snapshot) {
	ifaces, err := c.interfaces(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("network interfaces unavailable")
		return
	}

	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") {
			continue
		}
		adapter := device.NetworkAdapter{
			Description: iface.Name,
			MACAddress:  strings.ToLower(iface.HardwareAddr),
		}
		for _, a := range iface.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil || !p.Addr().Is4() {
				continue
			}
			adapter.IPAddress = p.Addr().String()
			break
		}
		snap.Hardware.NetworkAdapters = append(snap.Hardware.NetworkAdapters, adapter)

		if snap.IPAddress == "" && adapter.IPAddress != "" && hasFlag(iface.Flags, "up") {
			snap.IPAddress = adapter.IPAddress
			snap.MACAddress = adapter.MACAddress
		}
	}
}

func (c *HostCollector) collectUsers(ctx context.Context, sw *device.SoftwareInfo) {
	sessions, err := c.users(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("user sessions unavailable")
		return
	}

	set := map[string]bool{}
	var latest int
	for _, s := range sessions {
		if s.User == "" {
			continue
		}
		if !set[s.User] {
			set[s.User] = true
			sw.Users = append(sw.Users, s.User)
		}
		if s.Started >= latest {
			latest = s.Started
			sw.ActiveUser = s.User
		}
	}
	sort.Strings(sw.Users)
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func toGB(b uint64) float64 {
	return round2(float64(b) / gib)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
