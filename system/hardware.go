package system

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/shirou/gopsutil/v3/disk"
)

// Paths read for DMI and block device information. These are variables so
// tests can point them at a fixture tree.
var (
	dmiPath   = "/sys/class/dmi/id"
	blockPath = "/sys/block"
)

// HardwareInventory is the raw component data a machine's durable identity is
// derived from. Every field degrades to its zero value when the underlying
// source is unreadable; a partially populated inventory still produces a
// stable fingerprint as long as the same sources keep failing the same way.
type HardwareInventory struct {
	// MainboardSerial is the chassis-level serial reported by the firmware.
	MainboardSerial string `json:"mainboard_serial"`

	// MainboardUUID is the SMBIOS product UUID, reported to the enrollment
	// authority for diagnostics but excluded from the fingerprint.
	MainboardUUID string `json:"mainboard_uuid"`

	// MemorySerials are the serial numbers of the installed memory modules.
	MemorySerials []string `json:"memory_serials"`

	// DiskSerials are the serial numbers of physical block devices. Virtual
	// and removable-loop devices are excluded.
	DiskSerials []string `json:"disk_serials"`

	// MACAddresses of physical network interfaces, for authority-side
	// diagnostics only. NICs can change without the chassis changing, so they
	// never participate in the fingerprint.
	MACAddresses []string `json:"mac_addresses"`
}

// CollectInventory gathers the hardware component data used to compute this
// machine's fingerprint. Missing sources are logged and left empty rather
// than failing the whole collection: a degraded fingerprint is preferable to
// no fingerprint at all.
func CollectInventory(ctx context.Context) HardwareInventory {
	return HardwareInventory{
		MainboardSerial: readDMIField("board_serial"),
		MainboardUUID:   readDMIField("product_uuid"),
		MemorySerials:   collectMemorySerials(ctx),
		DiskSerials:     collectDiskSerials(ctx),
		MACAddresses:    collectMACAddresses(),
	}
}

func readDMIField(name string) string {
	b, err := os.ReadFile(filepath.Join(dmiPath, name))
	if err != nil {
		log.WithField("field", name).WithError(err).Debug("dmi field is not readable on this machine")
		return ""
	}
	return strings.TrimSpace(string(b))
}

// collectMemorySerials shells out to dmidecode since memory module serials
// are not exposed through sysfs. Placeholder values emitted by firmware for
// empty slots are discarded.
func collectMemorySerials(ctx context.Context) []string {
	out, err := exec.CommandContext(ctx, "dmidecode", "-t", "memory").Output()
	if err != nil {
		log.WithError(err).Debug("dmidecode is unavailable, memory serials excluded from inventory")
		return nil
	}

	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Serial Number:") {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(line, "Serial Number:"))
		if isPlaceholderSerial(v) {
			continue
		}
		serials = append(serials, v)
	}
	return serials
}

func isPlaceholderSerial(v string) bool {
	switch strings.ToLower(v) {
	case "", "not specified", "no module installed", "unknown", "none", "to be filled by o.e.m.":
		return true
	}
	return false
}

// collectDiskSerials enumerates physical block devices. Loopback, device
// mapper, and other virtual devices never carry a chassis-stable serial and
// are skipped entirely.
func collectDiskSerials(ctx context.Context) []string {
	entries, err := os.ReadDir(blockPath)
	if err != nil {
		log.WithError(err).Debug("block device tree is not readable, disk serials excluded from inventory")
		return nil
	}

	var serials []string
	for _, entry := range entries {
		name := entry.Name()
		if isVirtualBlockDevice(name) {
			continue
		}

		if b, err := os.ReadFile(filepath.Join(blockPath, name, "device", "serial")); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				serials = append(serials, v)
				continue
			}
		}

		// Not every driver exposes a serial attribute in sysfs; NVMe and
		// some SATA controllers only answer over ioctl.
		if v, err := disk.SerialNumberWithContext(ctx, "/dev/"+name); err == nil {
			if v = strings.TrimSpace(v); v != "" {
				serials = append(serials, v)
			}
		}
	}
	return serials
}

func isVirtualBlockDevice(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "md", "sr", "fd", "nbd"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// collectMACAddresses returns the hardware addresses of physical interfaces,
// skipping loopback and the virtual interfaces container runtimes and the
// mesh client itself create.
func collectMACAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.WithError(err).Debug("network interfaces are not readable, mac addresses excluded from inventory")
		return nil
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	sort.Strings(macs)
	return macs
}

func isVirtualInterface(name string) bool {
	for _, prefix := range []string{"veth", "docker", "br-", "virbr", "tailscale", "wg", "tun", "tap"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
