package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"invsync/agent-go/internal/tagging"
)

func newFakeCollector(t *testing.T) *HostCollector {
	t.Helper()
	dmi := t.TempDir()
	for name, v := range map[string]string{
		"sys_vendor":   "LENOVO\n",
		"product_name": "ThinkCentre M720\n",
		"bios_version": "M1UKT4BA\n",
	} {
		if err := os.WriteFile(filepath.Join(dmi, name), []byte(v), 0o600); err != nil {
			t.Fatalf("write dmi: %v", err)
		}
	}

	c := NewHostCollector(zerolog.Nop(), Options{Location: "Floor 2", DMIDir: dmi})
	c.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }
	c.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "ws-042", Platform: "ubuntu", PlatformVersion: "24.04", KernelVersion: "6.8.0"}, nil
	}
	c.users = func(context.Context) ([]host.UserStat, error) {
		return []host.UserStat{
			{User: "bob", Started: 100},
			{User: "alice", Started: 200},
			{User: "bob", Started: 50},
		}, nil
	}
	c.cpuInfo = func(context.Context) ([]cpu.InfoStat, error) {
		return []cpu.InfoStat{{ModelName: "Intel(R) Core(TM) i5-9500 ", Mhz: 2999.6}}, nil
	}
	c.cpuCounts = func(context.Context, bool) (int, error) { return 6, nil }
	c.memory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 16 * gib}, nil
	}
	c.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{
			{Device: "/dev/nvme0n1p2", Mountpoint: "/", Fstype: "ext4"},
			{Device: "tmpfs", Mountpoint: "/run", Fstype: "tmpfs"},
			{Device: "/dev/nvme0n1p2", Mountpoint: "/var/snap", Fstype: "ext4"},
			{Device: "/dev/sda1", Mountpoint: "/data", Fstype: "xfs"},
		}, nil
	}
	c.usage = func(_ context.Context, path string) (*disk.UsageStat, error) {
		switch path {
		case "/":
			return &disk.UsageStat{Total: 500 * gib, Free: 200 * gib}, nil
		case "/data":
			return &disk.UsageStat{Total: 1000 * gib, Free: 900 * gib}, nil
		}
		return nil, errors.New("unexpected mount")
	}
	c.interfaces = func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "eno1", HardwareAddr: "3C:97:0E:11:22:33", Flags: []string{"up", "broadcast"},
				Addrs: psnet.InterfaceAddrList{{Addr: "fe80::1/64"}, {Addr: "10.4.2.42/24"}}},
			{Name: "wlp2s0", HardwareAddr: "a4:c3:f0:00:00:01", Flags: []string{"broadcast"}},
		}, nil
	}
	return c
}

func TestHostCollector_Collect(t *testing.T) {
	c := newFakeCollector(t)

	snap, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if snap.Name != "ws-042" || snap.Location != "Floor 2" || snap.DeviceType != tagging.TypeWorkstation {
		t.Fatalf("unexpected identity: %+v", snap)
	}
	if snap.IPAddress != "10.4.2.42" || snap.MACAddress != "3c:97:0e:11:22:33" {
		t.Fatalf("unexpected primary address: %s %s", snap.IPAddress, snap.MACAddress)
	}
	if snap.Manufacturer != "LENOVO" || snap.Model != "ThinkCentre M720" || snap.Hardware.BIOSVersion != "M1UKT4BA" {
		t.Fatalf("unexpected firmware identity: %+v", snap)
	}
	if snap.Hardware.Motherboard != "" {
		t.Fatalf("missing dmi file should leave field empty, got %q", snap.Hardware.Motherboard)
	}

	hw := snap.Hardware
	if hw.CPU != "Intel(R) Core(TM) i5-9500" || hw.CPUCores != 6 || hw.CPUClockMHz != 3000 {
		t.Fatalf("unexpected cpu: %+v", hw)
	}
	if hw.RAMGB != 16 {
		t.Fatalf("expected 16 GB RAM, got %v", hw.RAMGB)
	}
	if len(hw.Disks) != 2 || hw.Disks[0].DeviceID != "/" || hw.Disks[1].DeviceID != "/data" {
		t.Fatalf("unexpected disks: %+v", hw.Disks)
	}
	if hw.DiskGB != 1500 {
		t.Fatalf("expected 1500 GB total, got %v", hw.DiskGB)
	}
	if len(hw.NetworkAdapters) != 2 {
		t.Fatalf("expected loopback to be skipped, got %+v", hw.NetworkAdapters)
	}

	sw := snap.Software
	if sw.OperatingSystem != "ubuntu 24.04" || sw.OSVersion != "6.8.0" {
		t.Fatalf("unexpected os: %+v", sw)
	}
	if len(sw.Users) != 2 || sw.Users[0] != "alice" || sw.Users[1] != "bob" || sw.ActiveUser != "alice" {
		t.Fatalf("unexpected users: %+v", sw)
	}
}

func TestHostCollector_PartialFailuresLeaveZeroValues(t *testing.T) {
	c := newFakeCollector(t)
	c.memory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("denied") }
	c.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) { return nil, errors.New("denied") }
	c.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "vm-7", VirtualizationRole: "guest"}, nil
	}

	snap, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.Hardware.RAMGB != 0 || len(snap.Hardware.Disks) != 0 {
		t.Fatalf("expected zero memory and disks, got %+v", snap.Hardware)
	}
	if snap.DeviceType != tagging.TypeVirtual {
		t.Fatalf("expected virtual device type, got %q", snap.DeviceType)
	}
}

func TestHostCollector_CanceledContext(t *testing.T) {
	c := newFakeCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
