package firecracker

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits, used when a task requests less than one vCPU or
// no memory.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// DefaultRootfs is the image name used for tasks that do not name one.
const DefaultRootfs = "base"

// RootfsFilename is the format string for rootfs image filenames (e.g. "base.ext4").
const RootfsFilename = "%s.ext4"

// Guest paths.
const (
	// GuestScratchDir is the per-task scratch directory inside the microVM.
	GuestScratchDir = "/tmp/task"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/forge-guest"
)

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

var rootfsName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RootfsPath returns the full path to the rootfs image named image, falling
// back to DefaultRootfs. Names are plain file stems; anything that could
// escape rootfsDir is rejected.
func RootfsPath(rootfsDir, image string) (string, error) {
	if image == "" {
		image = DefaultRootfs
	}
	if !rootfsName.MatchString(image) {
		return "", fmt.Errorf("invalid rootfs image name %q", image)
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, image)), nil
}
