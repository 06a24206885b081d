package engine

import (
	"os"
	"runtime"
	"strings"
)

type Device string

const (
	DeviceCPU   Device = "cpu"
	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
)

// DeviceEnv overrides device detection.
const DeviceEnv = "ERPY_DEVICE"

var nvidiaControlPath = "/dev/nvidiactl"

// BestDevice picks the fastest compute device available to this process.
func BestDevice() Device {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(DeviceEnv))); v != "" {
		switch Device(v) {
		case DeviceCPU, DeviceCUDA, DeviceMetal:
			return Device(v)
		}
	}
	if _, err := os.Stat(nvidiaControlPath); err == nil {
		return DeviceCUDA
	}
	if runtime.GOOS == "darwin" {
		return DeviceMetal
	}
	return DeviceCPU
}
