//go:build !linux

package metrics

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

func memoryOf(ctx context.Context, p *process.Process) uint64 {
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}
