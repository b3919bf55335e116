package diff

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"invsync/agent-go/internal/device"
)

// floatEpsilon absorbs collector rounding noise in GB and similar measurements.
const floatEpsilon = 0.01

// Compare reports every field-level difference between previous and current.
//
// A nil previous is a first run and yields NoChange. Inputs that cannot be compared
// (nil current, NaN or infinite measurements) yield a *NotComparableError.
//
// InstalledApps and Users are plain sets: an application whose version string changes
// shows up as one removal plus one addition.
func Compare(current, previous *device.Snapshot) (cs ChangeSet, err error) {
	if previous == nil {
		return NoChange, nil
	}
	if current == nil {
		return NoChange, &NotComparableError{Reason: "current snapshot is nil"}
	}

	defer func() {
		if r := recover(); r != nil {
			cs = NoChange
			err = &NotComparableError{Reason: fmt.Sprint(r)}
		}
	}()

	if err := validate(previous); err != nil {
		return NoChange, &NotComparableError{Reason: "baseline: " + err.Error()}
	}
	if err := validate(current); err != nil {
		return NoChange, &NotComparableError{Reason: "current: " + err.Error()}
	}

	cur, prev := current, previous
	scalarString(&cs, "name", prev.Name, cur.Name)
	scalarString(&cs, "ipAddress", prev.IPAddress, cur.IPAddress)
	scalarString(&cs, "macAddress", prev.MACAddress, cur.MACAddress)
	scalarString(&cs, "deviceType", prev.DeviceType, cur.DeviceType)
	scalarString(&cs, "manufacturer", prev.Manufacturer, cur.Manufacturer)
	scalarString(&cs, "model", prev.Model, cur.Model)
	scalarString(&cs, "location", prev.Location, cur.Location)

	ph, ch := prev.Hardware, cur.Hardware
	scalarString(&cs, "hardwareInfo.cpu", ph.CPU, ch.CPU)
	scalarInt(&cs, "hardwareInfo.cpuCores", ph.CPUCores, ch.CPUCores)
	scalarInt(&cs, "hardwareInfo.cpuClockMHz", ph.CPUClockMHz, ch.CPUClockMHz)
	scalarFloat(&cs, "hardwareInfo.ramGB", ph.RAMGB, ch.RAMGB)
	scalarFloat(&cs, "hardwareInfo.diskGB", ph.DiskGB, ch.DiskGB)
	scalarString(&cs, "hardwareInfo.motherboard", ph.Motherboard, ch.Motherboard)
	scalarString(&cs, "hardwareInfo.motherboardManufacturer", ph.MotherboardManufacturer, ch.MotherboardManufacturer)
	scalarString(&cs, "hardwareInfo.biosVersion", ph.BIOSVersion, ch.BIOSVersion)
	scalarString(&cs, "hardwareInfo.biosManufacturer", ph.BIOSManufacturer, ch.BIOSManufacturer)

	cs.collection("hardwareInfo.ramModules", diffKeyed(ph.RAMModules, ch.RAMModules,
		func(m device.RAMModule) string { return m.Slot },
		func(f *fields, a, b device.RAMModule) {
			f.float("capacityGB", a.CapacityGB, b.CapacityGB)
			f.integer("speedMHz", a.SpeedMHz, b.SpeedMHz)
			f.str("manufacturer", a.Manufacturer, b.Manufacturer)
			f.str("partNumber", a.PartNumber, b.PartNumber)
			f.str("serialNumber", a.SerialNumber, b.SerialNumber)
		}))
	cs.collection("hardwareInfo.disks", diffKeyed(ph.Disks, ch.Disks,
		func(d device.Disk) string { return d.DeviceID },
		func(f *fields, a, b device.Disk) {
			f.float("totalGB", a.TotalGB, b.TotalGB)
			f.float("freeGB", a.FreeGB, b.FreeGB)
		}))
	cs.collection("hardwareInfo.networkAdapters", diffKeyed(ph.NetworkAdapters, ch.NetworkAdapters,
		adapterKey,
		func(f *fields, a, b device.NetworkAdapter) {
			f.str("description", a.Description, b.Description)
			f.str("macAddress", a.MACAddress, b.MACAddress)
			f.str("ipAddress", a.IPAddress, b.IPAddress)
		}))
	cs.collection("hardwareInfo.gpus", diffKeyed(ph.GPUs, ch.GPUs,
		func(g device.GPU) string { return g.Name },
		func(f *fields, a, b device.GPU) {
			f.floatPtr("memoryGB", a.MemoryGB, b.MemoryGB)
		}))

	ps, cw := prev.Software, cur.Software
	scalarString(&cs, "softwareInfo.operatingSystem", ps.OperatingSystem, cw.OperatingSystem)
	scalarString(&cs, "softwareInfo.osVersion", ps.OSVersion, cw.OSVersion)
	scalarString(&cs, "softwareInfo.activeUser", ps.ActiveUser, cw.ActiveUser)
	cs.collection("softwareInfo.installedApps", diffSet(ps.InstalledApps, cw.InstalledApps))
	cs.collection("softwareInfo.users", diffSet(ps.Users, cw.Users))

	return cs, nil
}

func scalarString(cs *ChangeSet, path, prev, cur string) {
	if prev != cur {
		cs.scalar(path, prev, cur)
	}
}

func scalarInt(cs *ChangeSet, path string, prev, cur int) {
	if prev != cur {
		cs.scalar(path, prev, cur)
	}
}

func scalarFloat(cs *ChangeSet, path string, prev, cur float64) {
	if !floatEqual(prev, cur) {
		cs.scalar(path, prev, cur)
	}
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < floatEpsilon
}

// adapterKey prefers the MAC; adapters without one (virtual, disabled) fall back to Description.
func adapterKey(a device.NetworkAdapter) string {
	if mac := strings.ToLower(strings.TrimSpace(a.MACAddress)); mac != "" {
		return mac
	}
	return a.Description
}

type fields struct {
	out []FieldChange
}

func (f *fields) str(name, a, b string) {
	if a != b {
		f.out = append(f.out, FieldChange{Field: name, Old: a, New: b})
	}
}

func (f *fields) integer(name string, a, b int) {
	if a != b {
		f.out = append(f.out, FieldChange{Field: name, Old: a, New: b})
	}
}

func (f *fields) float(name string, a, b float64) {
	if !floatEqual(a, b) {
		f.out = append(f.out, FieldChange{Field: name, Old: a, New: b})
	}
}

func (f *fields) floatPtr(name string, a, b *float64) {
	switch {
	case a == nil && b == nil:
	case a == nil || b == nil:
		f.out = append(f.out, FieldChange{Field: name, Old: derefOrNil(a), New: derefOrNil(b)})
	default:
		f.float(name, *a, *b)
	}
}

func derefOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// diffKeyed does a three-way comparison of two keyed collections.
func diffKeyed[T any](prev, cur []T, key func(T) string, compare func(f *fields, a, b T)) CollectionDelta {
	prevByKey := indexByKey(prev, key)
	curByKey := indexByKey(cur, key)

	var d CollectionDelta
	for k, c := range curByKey {
		p, ok := prevByKey[k]
		if !ok {
			d.Added = append(d.Added, k)
			continue
		}
		var f fields
		compare(&f, p, c)
		if len(f.out) > 0 {
			d.Changed = append(d.Changed, ItemChange{Identifier: k, Fields: f.out})
		}
	}
	for k := range prevByKey {
		if _, ok := curByKey[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Identifier < d.Changed[j].Identifier })
	return d
}

// indexByKey keys items by identifier. Repeated identifiers get "#2", "#3"... in list
// order so both snapshots disambiguate them the same way.
func indexByKey[T any](items []T, key func(T) string) map[string]T {
	out := make(map[string]T, len(items))
	for _, it := range items {
		base := strings.TrimSpace(key(it))
		k := base
		for n := 2; ; n++ {
			if _, dup := out[k]; !dup {
				break
			}
			k = fmt.Sprintf("%s#%d", base, n)
		}
		out[k] = it
	}
	return out
}

func diffSet(prev, cur []string) CollectionDelta {
	prevSet := make(map[string]struct{}, len(prev))
	for _, v := range prev {
		prevSet[v] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(cur))
	for _, v := range cur {
		curSet[v] = struct{}{}
	}

	var d CollectionDelta
	for v := range curSet {
		if _, ok := prevSet[v]; !ok {
			d.Added = append(d.Added, v)
		}
	}
	for v := range prevSet {
		if _, ok := curSet[v]; !ok {
			d.Removed = append(d.Removed, v)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

func validate(s *device.Snapshot) error {
	check := func(path string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is %v", path, v)
		}
		return nil
	}

	h := s.Hardware
	if err := check("hardwareInfo.ramGB", h.RAMGB); err != nil {
		return err
	}
	if err := check("hardwareInfo.diskGB", h.DiskGB); err != nil {
		return err
	}
	for _, m := range h.RAMModules {
		if err := check("hardwareInfo.ramModules["+m.Slot+"].capacityGB", m.CapacityGB); err != nil {
			return err
		}
	}
	for _, d := range h.Disks {
		if err := check("hardwareInfo.disks["+d.DeviceID+"].totalGB", d.TotalGB); err != nil {
			return err
		}
		if err := check("hardwareInfo.disks["+d.DeviceID+"].freeGB", d.FreeGB); err != nil {
			return err
		}
	}
	for _, g := range h.GPUs {
		if g.MemoryGB == nil {
			continue
		}
		if err := check("hardwareInfo.gpus["+g.Name+"].memoryGB", *g.MemoryGB); err != nil {
			return err
		}
	}
	return nil
}
