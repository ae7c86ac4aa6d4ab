//go:build linux

package metrics

import (
	"context"
	"os"
	"testing"

	"github.com/shirou/gopsutil/v4/process"
)

func TestPrivateFromStatm(t *testing.T) {
	cases := []struct {
		line string
		want uint64
	}{
		{"1000 300 100 10 0 200 0\n", 200 * 4096},
		{"1000 100 300 10 0 200 0", 0},
		{"1000", 0},
		{"a b c", 0},
	}
	for _, c := range cases {
		if got := privateFromStatm(c.line, 4096); got != c.want {
			t.Fatalf("privateFromStatm(%q) = %d, want %d", c.line, got, c.want)
		}
	}
	if pageSize() == 0 {
		t.Fatalf("page size must be positive")
	}
}

func TestMemoryOfSelf(t *testing.T) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatal(err)
	}
	if got := memoryOf(context.Background(), p); got == 0 {
		t.Fatalf("expected private memory for the test process")
	}
}
