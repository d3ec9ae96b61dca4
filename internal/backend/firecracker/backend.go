// Package firecracker runs each task in its own Firecracker microVM. The
// host talks to a guest agent (cmd/forge-guest) over vsock using the
// length-prefixed JSON protocol in protocol.go.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
)

// Backend constants.
const (
	// BackendName is the name reported in capabilities.
	BackendName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for task microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	vsockDeviceID   = "vsock0"
	rootfsDriveID   = "rootfs"
	vmSocketName    = "firecracker.sock"
	vsockSocketName = "vsock.sock"
	vmRootfsName    = "rootfs.ext4"
	shutdownTimeout = 3 * time.Second
)

// ErrCapacity is returned when every vsock CID slot is in use.
var ErrCapacity = errors.New("no free microVM slot")

// vmState tracks one running microVM.
type vmState struct {
	machine *fcsdk.Machine
	cid     uint32
	dir     string // sockets and the per-VM rootfs copy
	started bool
}

// Backend implements backend.Backend with Firecracker microVMs.
type Backend struct {
	cfg    Config
	netMgr *NetworkManager
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState // task id -> VM

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewBackend creates a Firecracker backend.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}
	if cfg.MaxConcurrentVMs <= 0 {
		cfg.MaxConcurrentVMs = MaxConcurrentVMs
	}
	return &Backend{
		cfg:      cfg,
		netMgr:   netMgr,
		logger:   logger,
		vms:      make(map[string]*vmState),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Verify checks that the kernel, the Firecracker binary and the CNI
// plugins are in place.
func (b *Backend) Verify() error {
	if _, err := os.Stat(b.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	if _, err := exec.LookPath(b.cfg.FirecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	return b.netMgr.Verify()
}

// vmResources converts a task's request into vCPUs and MiB.
func vmResources(spec backend.TaskSpec) (vcpus, memMB int64) {
	vcpus = DefaultVCPUs
	if spec.CPU > 0 {
		vcpus = int64(math.Ceil(spec.CPU))
	}
	memMB = DefaultMemMB
	if mb := spec.MemoryBytes >> 20; mb > 0 {
		memMB = mb
	}
	return vcpus, memMB
}

// Execute boots a microVM, runs the task through the guest agent and tears
// the VM down again.
func (b *Backend) Execute(ctx context.Context, spec backend.TaskSpec) (backend.TaskResult, error) {
	start := time.Now()

	rootfsPath, err := RootfsPath(b.cfg.RootfsDir, spec.Image)
	if err != nil {
		return backend.TaskResult{}, err
	}

	cid, err := b.allocateCID()
	if err != nil {
		return backend.TaskResult{}, err
	}

	dir, err := os.MkdirTemp("", "forge-vm-")
	if err != nil {
		b.releaseCID(cid)
		return backend.TaskResult{}, fmt.Errorf("create vm dir: %w", err)
	}

	netCfg, err := b.netMgr.Setup(ctx, spec.ID)
	if err != nil {
		b.releaseCID(cid)
		os.RemoveAll(dir)
		return backend.TaskResult{}, err
	}

	vmRootfs := filepath.Join(dir, vmRootfsName)
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		b.releaseCID(cid)
		b.teardownNetwork(spec.ID)
		os.RemoveAll(dir)
		return backend.TaskResult{}, err
	}

	vcpus, memMB := vmResources(spec)
	socketPath := filepath.Join(dir, vmSocketName)
	vsockPath := filepath.Join(dir, vsockSocketName)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(vmRootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  netCfg.MACAddress,
				HostDevName: netCfg.TAPDevice,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: vsockDeviceID, Path: vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  filepath.Base(dir),
	}

	// The SDK logs through logrus; task output goes through slog instead.
	sdkLogger := logrus.New()
	sdkLogger.SetOutput(io.Discard)

	// The VMM must outlive ctx so a timed-out task can still be shut down cleanly.
	vmmCtx := context.WithoutCancel(ctx)
	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmmCtx)

	machine, err := fcsdk.NewMachine(vmmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(sdkLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		b.releaseCID(cid)
		b.teardownNetwork(spec.ID)
		os.RemoveAll(dir)
		return backend.TaskResult{}, fmt.Errorf("create machine: %w", err)
	}

	state := &vmState{machine: machine, cid: cid, dir: dir}
	b.mu.Lock()
	b.vms[spec.ID] = state
	b.mu.Unlock()
	defer b.stopAndCleanup(spec.ID, state)

	bootStart := time.Now()
	if err := machine.Start(vmmCtx); err != nil {
		tasksTotal.WithLabelValues(outcomeError).Inc()
		return backend.TaskResult{}, fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()

	b.logger.Info("VM started",
		"task_id", spec.ID,
		"cid", cid,
		"vcpus", vcpus,
		"mem_mb", memMB,
	)

	gc, err := DialGuest(ctx, vsockPath, b.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return b.timedOut(ctx, spec, start, "", ""), nil
		}
		tasksTotal.WithLabelValues(outcomeError).Inc()
		return backend.TaskResult{}, fmt.Errorf("connect to guest: %w", err)
	}
	defer gc.Close()

	stdout := backend.NewStreamWriter(nil)
	stderr := backend.NewStreamWriter(nil)
	onLine := func(stream, line string) {
		w := stdout
		if stream == StreamStderr {
			w = stderr
		}
		w.Write([]byte(line + "\n"))
		if spec.LogWriter != nil {
			spec.LogWriter(line)
		}
	}

	req := GuestRequest{
		TaskID:   spec.ID,
		Argv:     spec.Argv(),
		Env:      backend.TaskEnv(spec, GuestScratchDir),
		WorkDir:  GuestScratchDir,
		TimeoutS: int(math.Ceil(spec.Timeout.Seconds())),
	}

	runStart := time.Now()
	resp, err := gc.RunTask(req, onLine)
	guestRunDuration.Observe(time.Since(runStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return b.timedOut(ctx, spec, start, stdout.String(), stderr.String()), nil
		}
		tasksTotal.WithLabelValues(outcomeError).Inc()
		return backend.TaskResult{}, fmt.Errorf("run task in guest: %w", err)
	}

	res := backend.TaskResult{
		ExitCode: resp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: resp.TimedOut,
		Duration: time.Since(start),
	}
	if resp.Error != "" {
		res.Stderr += resp.Error + "\n"
	}
	switch {
	case res.TimedOut:
		tasksTotal.WithLabelValues(outcomeTimeout).Inc()
	case res.ExitCode == 0:
		tasksTotal.WithLabelValues(outcomeSuccess).Inc()
	default:
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
	}

	b.logger.Info("task finished in VM",
		"task_id", spec.ID,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// timedOut builds the result for a task whose context ended before the
// guest reported back.
func (b *Backend) timedOut(ctx context.Context, spec backend.TaskSpec, start time.Time, stdout, stderr string) backend.TaskResult {
	res := backend.TaskResult{
		ExitCode: -1,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Stderr += fmt.Sprintf("task killed: timeout after %s", spec.Timeout)
		tasksTotal.WithLabelValues(outcomeTimeout).Inc()
	} else {
		res.Stderr += "task killed: cancelled"
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
	}
	return res
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           BackendName,
		Kind:           model.BackendMicroVM,
		Description:    "one Firecracker microVM per task; artifacts are not collected",
		MaxConcurrency: b.cfg.MaxConcurrentVMs,
	}
}

// Cleanup stops the VM still running for taskID, if any.
func (b *Backend) Cleanup(_ context.Context, taskID string) error {
	b.mu.Lock()
	state, ok := b.vms[taskID]
	b.mu.Unlock()
	if ok {
		b.stopAndCleanup(taskID, state)
	}
	return nil
}

// Shutdown stops all VMs and removes their networks.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.vms))
	for id := range b.vms {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Cleanup(ctx, id); err != nil {
			b.logger.Error("shutdown cleanup failed", "task_id", id, "error", err)
		}
	}
	b.netMgr.TeardownAll(ctx)
}

// stopAndCleanup stops the VM and releases its CID, network and files. It
// runs once per VM; later calls find nothing to do.
func (b *Backend) stopAndCleanup(taskID string, state *vmState) {
	b.mu.Lock()
	if b.vms[taskID] != state {
		b.mu.Unlock()
		return
	}
	delete(b.vms, taskID)
	b.mu.Unlock()

	cleanupStart := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := state.machine.Shutdown(ctx); err != nil {
		b.logger.Debug("graceful shutdown failed, stopping VMM", "task_id", taskID, "error", err)
		if err := state.machine.StopVMM(); err != nil {
			b.logger.Debug("StopVMM failed", "task_id", taskID, "error", err)
		}
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := state.machine.Wait(waitCtx); err != nil {
		b.logger.Debug("wait for VM exit", "task_id", taskID, "error", err)
	}
	waitCancel()

	if state.started {
		activeVMs.Dec()
	}
	b.releaseCID(state.cid)
	b.teardownNetwork(taskID)
	if err := os.RemoveAll(state.dir); err != nil {
		b.logger.Warn("remove vm dir", "task_id", taskID, "error", err)
	}

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
}

func (b *Backend) teardownNetwork(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.netMgr.Teardown(ctx, taskID); err != nil {
		b.logger.Warn("network teardown failed", "task_id", taskID, "error", err)
	}
}

// allocateCID returns the next free vsock CID. The pool holds
// MaxConcurrentVMs entries, which caps concurrent VMs.
func (b *Backend) allocateCID() (uint32, error) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()

	if len(b.cidInUse) >= b.cfg.MaxConcurrentVMs {
		return 0, fmt.Errorf("%w: %d VMs running", ErrCapacity, len(b.cidInUse))
	}
	span := uint32(b.cfg.MaxConcurrentVMs)
	for i := range span {
		candidate := b.cfg.CIDBase + (b.cidNext-b.cfg.CIDBase+i)%span
		if !b.cidInUse[candidate] {
			b.cidInUse[candidate] = true
			b.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: no CID available", ErrCapacity)
}

func (b *Backend) releaseCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	delete(b.cidInUse, cid)
}

// copyRootfs gives each VM a private copy of the image, using reflinks
// where the filesystem supports them.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("copy rootfs %s: %s: %w", src, string(out), err)
	}
	return nil
}
