package firecracker

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "FORGE_FC_KERNEL_PATH"
	envRootfsDir     = "FORGE_FC_ROOTFS_DIR"
	envBin           = "FORGE_FC_BIN"
	envCNIConfigDir  = "FORGE_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "FORGE_FC_CNI_BIN_DIR"
	envVsockPort     = "FORGE_FC_VSOCK_PORT"
	envMaxConcurrent = "FORGE_FC_MAX_CONCURRENT_VMS"
	envSubnet        = "FORGE_FC_SUBNET"
	envGateway       = "FORGE_FC_GATEWAY"
	envBridge        = "FORGE_FC_BRIDGE"
	envJailer        = "FORGE_FC_JAILER"
)

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory holding <name>.ext4 rootfs images.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the path to CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string

	// Bridge, Subnet and Gateway describe the host bridge network.
	Bridge  string
	Subnet  string
	Gateway string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	// JailerEnabled controls whether the Firecracker jailer is used.
	JailerEnabled bool

	// MaxConcurrentVMs is the maximum number of concurrent microVMs.
	MaxConcurrentVMs int
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		Bridge:           DefaultBridgeName,
		Subnet:           DefaultSubnet,
		Gateway:          DefaultGateway,
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}

	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString(envKernelPath, &cfg.KernelPath)
	setString(envRootfsDir, &cfg.RootfsDir)
	setString(envBin, &cfg.FirecrackerBin)
	setString(envCNIConfigDir, &cfg.CNIConfigDir)
	setString(envCNIBinDir, &cfg.CNIBinDir)
	setString(envBridge, &cfg.Bridge)
	setString(envSubnet, &cfg.Subnet)
	setString(envGateway, &cfg.Gateway)

	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}
	if v := os.Getenv(envJailer); v != "" {
		cfg.JailerEnabled = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}
