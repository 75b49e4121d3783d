package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SampleResources reads the host's current CPU, memory and disk usage for a
// heartbeat. CPU is measured since the previous call. diskPath selects the
// volume, "/" when empty. A partial snapshot is returned with the errors of
// the readings that failed.
func SampleResources(ctx context.Context, diskPath string) (Resources, error) {
	if diskPath == "" {
		diskPath = "/"
	}

	var res Resources
	var errs []error

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pcts) > 0 {
		res.CPU = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		res.Memory = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", diskPath, err))
	} else {
		res.Disk = du.UsedPercent
	}

	return res, errors.Join(errs...)
}
