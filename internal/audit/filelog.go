// Package audit keeps an append-only file of saga transitions, one JSON object per line.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"orderflow/internal/orders/saga"
)

var errClosed = errors.New("audit log closed")

// FileLog appends saga steps to a file and syncs after every record.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileLog opens (or creates) the log at path for appending.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLog{f: f}, nil
}

// Append writes one step.
func (l *FileLog) Append(step saga.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errClosed
	}

	n, err := l.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return l.f.Sync()
}

// Close releases the file handle. Later appends fail.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadFile decodes every step in the log at path, in write order.
func ReadFile(path string) ([]saga.Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var steps []saga.Step
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var step saga.Step
		if err := json.Unmarshal(sc.Bytes(), &step); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	return steps, sc.Err()
}
