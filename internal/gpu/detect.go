package gpu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Info holds detected GPU information for the readiness endpoint.
type Info struct {
	Device    string `json:"device"`     // e.g. "NVIDIA RTX 4090"
	VRAMTotal int64  `json:"vram_total"` // bytes, 0 if unknown
	VRAMFree  int64  `json:"vram_free"`  // bytes, 0 if unknown
	Driver    string `json:"driver"`     // e.g. "nvidia"
}

// Present reports whether a discrete GPU with VRAM was found.
func (i *Info) Present() bool {
	return i != nil && i.VRAMTotal > 0
}

var (
	cached     *Info
	detectOnce sync.Once
)

// Detect probes the system for discrete GPU VRAM info via sysfs.
// Uses sync.Once - safe to call multiple times.
func Detect() *Info {
	detectOnce.Do(func() {
		cached = detect()
	})
	return cached
}

func detect() *Info {
	info := &Info{}

	// Scan /sys/class/drm/card* for discrete GPUs with VRAM info
	cards, err := filepath.Glob("/sys/class/drm/card[0-9]*")
	if err != nil {
		return info
	}

	for _, card := range cards {
		// Skip render nodes (cardN-XXX)
		base := filepath.Base(card)
		if strings.Contains(base, "-") {
			continue
		}

		deviceDir := filepath.Join(card, "device")

		vramPath := filepath.Join(deviceDir, "mem_info_vram_total")
		vramBytes, err := readSysfsInt(vramPath)
		if err != nil || vramBytes == 0 {
			continue // Not a discrete GPU or no VRAM info
		}

		info.VRAMTotal = vramBytes

		vramUsedPath := filepath.Join(deviceDir, "mem_info_vram_used")
		vramUsed, err := readSysfsInt(vramUsedPath)
		if err == nil && vramUsed > 0 {
			info.VRAMFree = vramBytes - vramUsed
		}

		info.Device = readDeviceName(deviceDir)

		driverLink, err := os.Readlink(filepath.Join(deviceDir, "driver"))
		if err == nil {
			info.Driver = filepath.Base(driverLink)
		}

		// Found a discrete GPU with VRAM, use it
		break
	}

	return info
}

func readSysfsInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func readDeviceName(deviceDir string) string {
	ueventPath := filepath.Join(deviceDir, "uevent")
	data, err := os.ReadFile(ueventPath)
	if err != nil {
		return "Unknown GPU"
	}

	var vendorID, deviceID string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PCI_ID=") {
			parts := strings.Split(strings.TrimPrefix(line, "PCI_ID="), ":")
			if len(parts) == 2 {
				vendorID = strings.ToLower(parts[0])
				deviceID = strings.ToLower(parts[1])
			}
		}
	}

	// Common NVIDIA device IDs seen in transcription deployments
	if vendorID == "10de" {
		switch deviceID {
		case "2684":
			return "NVIDIA RTX 4090"
		case "2704":
			return "NVIDIA RTX 4080"
		case "2782":
			return "NVIDIA RTX 4070 Ti"
		case "2204":
			return "NVIDIA RTX 3090"
		case "2206":
			return "NVIDIA RTX 3080"
		case "20b0":
			return "NVIDIA A100"
		case "26b9":
			return "NVIDIA L40S"
		case "27b8":
			return "NVIDIA L4"
		default:
			return "NVIDIA GPU (" + deviceID + ")"
		}
	}

	return "GPU (" + vendorID + ":" + deviceID + ")"
}
