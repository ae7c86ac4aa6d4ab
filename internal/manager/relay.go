package manager

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/process"
)

const chunkSize = 4096

// relayAll starts one reader per stream. The log file is closed after the
// last reader returns.
func (m *Manager) relayAll(mp *process.Managed, streams []stream, logW io.WriteCloser) {
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s stream) {
			defer wg.Done()
			defer func() { _ = s.r.Close() }()
			m.relay(mp, s, logW)
		}(s)
	}
	go func() {
		wg.Wait()
		if err := logW.Close(); err != nil {
			m.logger.Debug("close project log", "project", mp.ProjectID(), "error", err)
		}
	}()
}

// relay copies one stream until EOF. A PTY master reports EIO once the child
// side is gone; any read error ends the loop.
func (m *Manager) relay(mp *process.Managed, s stream, logW io.Writer) {
	id := mp.ProjectID()
	buf := make([]byte, chunkSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			ts := time.Now().UnixMilli()
			if _, werr := logW.Write(chunk); werr != nil {
				m.logger.Debug("write project log", "project", id, "error", werr)
			}
			data := strings.ToValidUTF8(string(chunk), "\uFFFD")
			if mp.SessionID != "" && m.rec != nil {
				ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
				if ierr := m.rec.InsertLog(ctx, mp.SessionID, s.name, data, ts); ierr != nil {
					m.logger.Warn("record log", "project", id, "error", ierr)
				}
				cancel()
			}
			m.events.Log(events.Log{ProjectID: id, Stream: s.name, Data: data, Timestamp: ts})
		}
		if err != nil {
			return
		}
	}
}

// WriteStdin sends data to the input of a running project. Projects without an
// input writer ignore it.
func (m *Manager) WriteStdin(projectID string, data []byte) error {
	mp, ok := m.reg.Get(projectID)
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrNotRunning, projectID)
	}
	if mp.Stdin == nil {
		return nil
	}
	if _, err := mp.Stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", process.ErrPTY, projectID, err)
	}
	return nil
}

// ResizePTY changes the terminal size of an interactive project. It is a no-op
// for piped projects.
func (m *Manager) ResizePTY(projectID string, cols, rows uint16) error {
	mp, ok := m.reg.Get(projectID)
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrNotRunning, projectID)
	}
	if mp.PTY == nil {
		return nil
	}
	if err := pty.Setsize(mp.PTY, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: resize %s: %v", process.ErrPTY, projectID, err)
	}
	return nil
}
