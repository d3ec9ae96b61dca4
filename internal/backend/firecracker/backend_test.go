package firecracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

func TestCapabilities(t *testing.T) {
	b := &Backend{cfg: Config{MaxConcurrentVMs: 25}}

	caps := b.Capabilities()
	if caps.Name != BackendName {
		t.Errorf("Name = %q, want %q", caps.Name, BackendName)
	}
	if caps.Kind != model.BackendMicroVM {
		t.Errorf("Kind = %q, want %q", caps.Kind, model.BackendMicroVM)
	}
	if caps.MaxConcurrency != 25 {
		t.Errorf("MaxConcurrency = %d, want 25", caps.MaxConcurrency)
	}
}

func TestVMResources(t *testing.T) {
	tests := []struct {
		name      string
		spec      backend.TaskSpec
		wantVCPUs int64
		wantMemMB int64
	}{
		{"defaults", backend.TaskSpec{}, DefaultVCPUs, DefaultMemMB},
		{"fractional cpu rounds up", backend.TaskSpec{CPU: 1.5, MemoryBytes: 2 << 30}, 2, 2048},
		{"sub-MiB memory uses default", backend.TaskSpec{CPU: 4, MemoryBytes: 1000}, 4, DefaultMemMB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vcpus, mem := vmResources(tt.spec)
			if vcpus != tt.wantVCPUs || mem != tt.wantMemMB {
				t.Errorf("vmResources() = %d, %d; want %d, %d", vcpus, mem, tt.wantVCPUs, tt.wantMemMB)
			}
		})
	}
}

func newCIDBackend(max int) *Backend {
	return &Backend{
		cfg:      Config{CIDBase: MinCID, MaxConcurrentVMs: max},
		cidNext:  MinCID,
		cidInUse: make(map[uint32]bool),
	}
}

func TestCIDAllocateAndRelease(t *testing.T) {
	b := newCIDBackend(MaxConcurrentVMs)

	cid1, err := b.allocateCID()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if cid1 < MinCID {
		t.Errorf("cid1 = %d, want >= %d", cid1, MinCID)
	}

	cid2, err := b.allocateCID()
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if cid2 == cid1 {
		t.Errorf("cid2 should differ from cid1 (%d)", cid1)
	}

	b.releaseCID(cid1)

	b.cidMu.Lock()
	if b.cidInUse[cid1] {
		t.Error("cid1 should be released")
	}
	b.cidMu.Unlock()
}

func TestCIDAllocateConcurrent(t *testing.T) {
	b := newCIDBackend(MaxConcurrentVMs)

	const numGoroutines = 10
	var wg sync.WaitGroup
	cids := make(chan uint32, numGoroutines)

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cid, err := b.allocateCID()
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			cids <- cid
		}()
	}

	wg.Wait()
	close(cids)

	seen := make(map[uint32]bool)
	for cid := range cids {
		if seen[cid] {
			t.Errorf("duplicate CID: %d", cid)
		}
		seen[cid] = true
	}

	if len(seen) != numGoroutines {
		t.Errorf("allocated %d CIDs, want %d", len(seen), numGoroutines)
	}
}

func TestCIDAllocateExhaustion(t *testing.T) {
	b := newCIDBackend(3)

	var cids []uint32
	for range 3 {
		cid, err := b.allocateCID()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		cids = append(cids, cid)
	}
	if _, err := b.allocateCID(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("allocate past limit error = %v, want ErrCapacity", err)
	}

	b.releaseCID(cids[1])
	cid, err := b.allocateCID()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if cid != cids[1] {
		t.Errorf("allocated %d, want released CID %d", cid, cids[1])
	}
	if cid < MinCID || cid >= MinCID+3 {
		t.Errorf("CID %d outside pool [%d, %d)", cid, MinCID, MinCID+3)
	}
}

func TestCleanupNonexistent(t *testing.T) {
	b := &Backend{
		vms:    make(map[string]*vmState),
		logger: testLogger(),
	}

	err := b.Cleanup(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("Cleanup nonexistent: %v", err)
	}
}

func TestBackendImplementsInterface(t *testing.T) {
	var _ backend.Backend = (*Backend)(nil)
}

func TestCopyRootfs(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "test.ext4")
	content := []byte("fake rootfs content for testing")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source rootfs: %v", err)
	}

	dstPath := filepath.Join(dstDir, "copy.ext4")
	if err := copyRootfs(srcPath, dstPath); err != nil {
		t.Fatalf("copyRootfs: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("copy content = %q, want %q", string(got), string(content))
	}
}

func TestCopyRootfsMissing(t *testing.T) {
	dstDir := t.TempDir()
	dstPath := filepath.Join(dstDir, "copy.ext4")

	err := copyRootfs("/nonexistent/rootfs.ext4", dstPath)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestDefaultBootArgs(t *testing.T) {
	expected := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"pci=off",
		"init=" + GuestAgentPath,
	}

	for _, arg := range expected {
		if !containsArg(DefaultBootArgs, arg) {
			t.Errorf("DefaultBootArgs missing %q: %s", arg, DefaultBootArgs)
		}
	}
}

func containsArg(args, arg string) bool {
	return slices.Contains(strings.Fields(args), arg)
}
