package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// ExecLauncher runs each partition in its own OS process, usually the
// current binary re-invoked with a hidden worker subcommand.
type ExecLauncher struct {
	// Path is the executable; it defaults to os.Executable().
	Path string
	// Args builds the argument list for a partition.
	Args func(partition int) []string
	// Env is appended to the parent environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Grace is how long a child may drain in-flight work after it is
	// interrupted before it is killed.
	Grace time.Duration
}

// Launch starts the child and waits for it. A non-zero exit is an error.
func (l ExecLauncher) Launch(ctx context.Context, partition int) error {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	if l.Args == nil {
		return errors.New("exec launcher requires an argument builder")
	}
	cmd := exec.CommandContext(ctx, path, l.Args(partition)...) //nolint:gosec // arguments are built internally
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.Grace
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("partition %d worker exited with code %d: %w", partition, exitErr.ExitCode(), err)
		}
		return fmt.Errorf("partition %d worker: %w", partition, err)
	}
	return nil
}
