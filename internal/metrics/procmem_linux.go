//go:build linux

package metrics

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

var pageSize = sync.OnceValue(func() uint64 {
	if n, err := sysconf.Sysconf(sysconf.SC_PAGESIZE); err == nil && n > 0 {
		return uint64(n)
	}
	return uint64(os.Getpagesize())
})

// memoryOf reports private memory: anonymous resident pages from
// /proc/<pid>/status, or resident minus shared from statm on kernels that do
// not report RssAnon.
func memoryOf(_ context.Context, p *process.Process) uint64 {
	proc, err := procfs.NewProc(int(p.Pid))
	if err != nil {
		return 0
	}
	if st, err := proc.NewStatus(); err == nil && st.RssAnon > 0 {
		return st.RssAnon
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(int(p.Pid)) + "/statm")
	if err != nil {
		return 0
	}
	return privateFromStatm(string(b), pageSize())
}

// privateFromStatm computes (resident - shared) * pageSize from a statm line.
func privateFromStatm(line string, pageSize uint64) uint64 {
	f := strings.Fields(line)
	if len(f) < 3 {
		return 0
	}
	resident, err1 := strconv.ParseUint(f[1], 10, 64)
	shared, err2 := strconv.ParseUint(f[2], 10, 64)
	if err1 != nil || err2 != nil || shared > resident {
		return 0
	}
	return (resident - shared) * pageSize
}
