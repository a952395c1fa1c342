package ytdlp

import (
	"bufio"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// stderrTail bounds how many stderr lines are kept for error mapping.
const stderrTail = 40

// Process is one supervised extractor run. Its stdout is streamed through
// the line classifier; stderr is retained for error mapping.
type Process struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	mu     sync.Mutex
	stderr []string
	killed bool

	done chan struct{}
	err  error
}

// StartProcess launches the extractor and begins streaming its output.
// onEvent receives every recognized stdout line, in order, from a single
// goroutine.
func StartProcess(binary string, args []string, onEvent func(ProgressEvent), logger *zap.Logger) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(binary, args...)
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", binary, err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger.Named("proc"),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if ev := ClassifyLine(line); ev.Kind != LineIgnored && onEvent != nil {
				onEvent(ev)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.appendStderr(scanner.Text())
		}
	}()
	go func() {
		wg.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) appendStderr(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderr = append(p.stderr, line)
	if len(p.stderr) > stderrTail {
		p.stderr = p.stderr[len(p.stderr)-stderrTail:]
	}
}

// Wait blocks until the process and its output streams are drained. Returns
// the exit error, nil for exit code 0.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// StderrLines returns the retained stderr tail.
func (p *Process) StderrLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

// Kill terminates the process and its children. The extractor spawns merge
// helpers, so a plain process kill would leave orphans behind.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	if err := killTree(p.cmd); err != nil {
		p.logger.Warn("tree kill failed", zap.Error(err))
	}
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
