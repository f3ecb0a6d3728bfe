package executor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Runner abstracts downloader invocation so tests can script subprocess
// output without a real binary.
type Runner interface {
	// Run starts the downloader for url, feeds stdin and closes it, and
	// calls onLine for every stdout and stderr line. Cancelling ctx kills
	// the subprocess.
	Run(ctx context.Context, url string, args []string, stdin []byte, onLine func(string)) error
}

type execRunner struct {
	binary string
}

func NewExecRunner(binary string) Runner {
	return &execRunner{binary: binary}
}

func (r *execRunner) Run(ctx context.Context, url string, args []string, stdin []byte, onLine func(string)) error {
	argv := append([]string{url}, args...)
	cmd := exec.CommandContext(ctx, r.binary, argv...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", r.binary, err)
	}

	// A dead subprocess makes the write fail; Wait reports the real cause.
	_, _ = stdinPipe.Write(stdin)
	stdinPipe.Close()

	// stdout and stderr are drained on their own goroutines; onLine sees
	// lines from both in arrival order per stream.
	var wg sync.WaitGroup
	for _, pipe := range []struct{ r *bufio.Scanner }{
		{bufio.NewScanner(stdout)},
		{bufio.NewScanner(stderr)},
	} {
		wg.Add(1)
		scanner := pipe.r
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		go func() {
			defer wg.Done()
			for scanner.Scan() {
				onLine(scanner.Text())
			}
		}()
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
