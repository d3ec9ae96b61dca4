package agent

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/seantiz/forge/internal/model"
)

// Sampler reports what the host offers and how much of it is in use.
type Sampler interface {
	Capacity(ctx context.Context) (model.Capacity, error)
	Load(ctx context.Context) (model.Load, error)
}

// HostSampler reads capacity and load from the local machine.
type HostSampler struct {
	// DiskPath is the filesystem whose size and usage are reported.
	DiskPath string
}

// Capacity reports logical cpus, total memory and total disk.
func (h HostSampler) Capacity(ctx context.Context) (model.Capacity, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return model.Capacity{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.Capacity{}, fmt.Errorf("read memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, h.diskPath())
	if err != nil {
		return model.Capacity{}, fmt.Errorf("read disk %s: %w", h.diskPath(), err)
	}
	return model.Capacity{
		CPU:    float64(cpus),
		Memory: formatMiB(vm.Total),
		Disk:   formatMiB(du.Total),
	}, nil
}

// Load reports cpu usage in cores and memory and disk usage in percent.
func (h HostSampler) Load(ctx context.Context) (model.Load, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return model.Load{}, fmt.Errorf("count cpus: %w", err)
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.Load{}, fmt.Errorf("read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.Load{}, fmt.Errorf("read memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, h.diskPath())
	if err != nil {
		return model.Load{}, fmt.Errorf("read disk %s: %w", h.diskPath(), err)
	}

	load := model.Load{Memory: vm.UsedPercent, Disk: du.UsedPercent}
	if len(pct) > 0 {
		load.CPU = pct[0] / 100 * float64(cpus)
	}
	return load, nil
}

func (h HostSampler) diskPath() string {
	if h.DiskPath == "" {
		return "/"
	}
	return h.DiskPath
}

func formatMiB(bytes uint64) string {
	return fmt.Sprintf("%dM", bytes>>20)
}
