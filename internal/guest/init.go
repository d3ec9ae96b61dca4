package guest

import (
	"fmt"
	"log"
	"os"
	"syscall"
)

const guestPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

type mount struct {
	source, target, fstype, data string
}

// bootMounts lists what a bare microVM needs before it can run tasks: the
// kernel filesystems plus tmpfs for /tmp and the task scratch root.
func bootMounts(scratchDir string) []mount {
	return []mount{
		{"proc", "/proc", "proc", ""},
		{"sysfs", "/sys", "sysfs", ""},
		{"devtmpfs", "/dev", "devtmpfs", ""},
		{"tmpfs", "/tmp", "tmpfs", "mode=1777"},
		{"tmpfs", scratchDir, "tmpfs", "mode=0755"},
	}
}

// mountFunc is syscall.Mount; tests replace it.
var mountFunc = syscall.Mount

// SetupInit prepares the VM when the guest agent is PID 1. It is a no-op
// otherwise, so the agent can also run under a regular init.
func SetupInit(scratchDir string) error {
	if os.Getpid() != 1 {
		return nil
	}
	log.Println("running as PID 1, preparing guest filesystems")
	return prepare(scratchDir)
}

func prepare(scratchDir string) error {
	var failed int
	for _, m := range bootMounts(scratchDir) {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			failed++
			continue
		}
		if err := mountFunc(m.source, m.target, m.fstype, 0, m.data); err != nil {
			log.Printf("mount %s on %s: %v", m.fstype, m.target, err)
			failed++
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", guestPath)

	if failed > 0 {
		return fmt.Errorf("%d guest mounts failed", failed)
	}
	return nil
}
