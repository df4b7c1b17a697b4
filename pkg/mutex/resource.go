package mutex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// FileCounter is a shared resource for the critical section: a decimal
// counter stored in Path. Each increment also appends a line to Path+".log".
// It has no locking of its own.
type FileCounter struct {
	Path  string
	Owner string
}

// Read returns the stored value, 0 if the file does not exist yet.
func (f FileCounter) Read() (int, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", f.Path, err)
	}
	return n, nil
}

// Increment reads, increments and rewrites the counter.
func (f FileCounter) Increment() (int, error) {
	n, err := f.Read()
	if err != nil {
		return 0, err
	}
	n++
	if err := os.WriteFile(f.Path, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		return 0, err
	}
	audit, err := os.OpenFile(f.Path+".log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return n, err
	}
	defer audit.Close()
	_, err = fmt.Fprintf(audit, "%s %s %d\n", time.Now().UTC().Format(time.RFC3339Nano), f.Owner, n)
	return n, err
}

// Section adapts the counter to a critical section body, holding it for hold
// to widen the window in which an unsafe protocol would interleave.
func (f FileCounter) Section(hold time.Duration) Section {
	return func(ctx context.Context, _ int) error {
		n, err := f.Read()
		if err != nil {
			return err
		}
		if hold > 0 {
			t := time.NewTimer(hold)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		got, err := f.Increment()
		if err != nil {
			return err
		}
		if got != n+1 {
			return fmt.Errorf("counter %s changed under us: read %d, wrote %d", f.Path, n, got)
		}
		return nil
	}
}
