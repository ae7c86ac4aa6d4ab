// Package ledger keeps a durable list of the OS pids the engine has spawned so
// that a later run can kill whatever a crashed run left behind.
//
// The file holds one decimal pid per line. Writers take an advisory lock on
// "<path>.lock" so two engine processes sharing a data directory cannot
// interleave rewrites.
package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

type Ledger struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// New returns a ledger stored at path. The parent directory is created on first write.
func New(path string) *Ledger {
	clean := filepath.Clean(path)
	return &Ledger{path: clean, lock: flock.New(clean + ".lock")}
}

func (l *Ledger) Path() string { return l.path }

// Add appends pid to the ledger.
func (l *Ledger) Add(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return l.locked(func() error {
		// #nosec G304
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		_, werr := fmt.Fprintf(f, "%d\n", pid)
		cerr := f.Close()
		if werr != nil {
			return werr
		}
		return cerr
	})
}

// Remove rewrites the ledger without pid. Missing files are not an error.
func (l *Ledger) Remove(pid int) error {
	return l.locked(func() error {
		pids, err := l.read()
		if err != nil {
			return err
		}
		kept := slices.DeleteFunc(pids, func(p int) bool { return p == pid })
		return l.write(kept)
	})
}

// PIDs returns the recorded pids in file order. Malformed lines are skipped.
func (l *Ledger) PIDs() ([]int, error) {
	var out []int
	err := l.locked(func() error {
		var err error
		out, err = l.read()
		return err
	})
	return out, err
}

// Clear empties the ledger.
func (l *Ledger) Clear() error {
	return l.locked(func() error { return l.write(nil) })
}

func (l *Ledger) locked(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return err
	}
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = l.lock.Unlock() }()
	return fn()
}

func (l *Ledger) read() ([]int, error) {
	b, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, sc.Err()
}

func (l *Ledger) write(pids []int) error {
	var b strings.Builder
	for _, pid := range pids {
		b.WriteString(strconv.Itoa(pid))
		b.WriteByte('\n')
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
