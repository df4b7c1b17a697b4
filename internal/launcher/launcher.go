// Package launcher starts the processes of the other vertices for the
// master role.
package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/ryandielhenn/avanet/internal/logging"
)

type Launcher struct {
	binary string
	stdout io.Writer
	stderr io.Writer
	log    logging.Scope

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	wg    sync.WaitGroup
}

// New launches binary for every vertex; an empty binary means the running
// executable.
func New(binary string, logger logging.Logger, self string) (*Launcher, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		binary = exe
	}
	return &Launcher{
		binary: binary,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    logging.Scope{Logger: logger, Vertex: self},
		procs:  make(map[string]*exec.Cmd),
	}, nil
}

// SetOutput redirects the children's stdout and stderr.
func (l *Launcher) SetOutput(stdout, stderr io.Writer) {
	l.stdout, l.stderr = stdout, stderr
}

// Launch starts one process for vertex with args.
func (l *Launcher) Launch(vertex string, args []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.procs[vertex]; ok {
		return fmt.Errorf("vertex %s already launched", vertex)
	}
	cmd := exec.Command(l.binary, args...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	// bound the output copy when a grandchild keeps the pipes open
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", vertex, err)
	}
	l.procs[vertex] = cmd
	l.log.Remotef(logging.Info, logging.Processing, vertex, nil, "launched pid %d", cmd.Process.Pid)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		l.mu.Lock()
		delete(l.procs, vertex)
		l.mu.Unlock()
		if err != nil {
			l.log.Remotef(logging.Warning, logging.Processing, vertex, nil, "process exited: %v", err)
			return
		}
		l.log.Remotef(logging.Debug, logging.Processing, vertex, nil, "process exited")
	}()
	return nil
}

// Running lists the vertices whose process has not exited, sorted.
func (l *Launcher) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.procs))
	for v := range l.procs {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Wait blocks until every launched process exited.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

// Stop sends SIGTERM to every running process and kills those still alive
// after timeout.
func (l *Launcher) Stop(timeout time.Duration) {
	l.mu.Lock()
	for _, cmd := range l.procs {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.log.Logf(logging.Warning, logging.Processing, "signal pid %d: %v", cmd.Process.Pid, err)
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		l.mu.Lock()
		for _, cmd := range l.procs {
			cmd.Process.Kill()
		}
		l.mu.Unlock()
		<-done
	}
}
