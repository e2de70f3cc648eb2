package bridge

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/microlink/mcs/internal/schema"
)

// probeSystem samples host health for the heartbeat. Probes that fail on
// the platform report zero rather than blocking the heartbeat.
func probeSystem(ctx context.Context) schema.SystemStatus {
	var st schema.SystemStatus

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		st.CPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemPct = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		st.DiskPct = du.UsedPercent
	}
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature > st.TempC {
				st.TempC = t.Temperature
			}
		}
	}
	return st
}
