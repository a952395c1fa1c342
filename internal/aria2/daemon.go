package aria2

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Supervisor manages the external daemon process backing the RPC endpoint.
type Supervisor interface {
	// EnsureRunning starts the daemon if it is not already serving RPC.
	EnsureRunning(ctx context.Context) error

	// Restart kills and restarts the daemon. Used by forced recovery when
	// the daemon is alive at the socket level but internally wedged.
	Restart(ctx context.Context) error
}

// processReleaseWait gives the OS time to release the RPC port and file
// handles between kill and respawn.
const processReleaseWait = 1500 * time.Millisecond

// ProcessSupervisor spawns aria2c as a child process.
type ProcessSupervisor struct {
	mu     sync.Mutex
	binary string
	rpcURL string
	secret string
	logger *zap.Logger
	cmd    *exec.Cmd
}

// NewProcessSupervisor creates a supervisor for the given aria2c binary and
// RPC endpoint.
func NewProcessSupervisor(binary, rpcURL, secret string, logger *zap.Logger) *ProcessSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSupervisor{binary: binary, rpcURL: rpcURL, secret: secret, logger: logger}
}

// EnsureRunning spawns the daemon if this supervisor has not started one
// yet. An externally managed daemon already bound to the port makes the
// spawn fail; that failure is ignored because the endpoint is reachable.
func (p *ProcessSupervisor) EnsureRunning(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil && (p.cmd.ProcessState == nil || !p.cmd.ProcessState.Exited()) {
		return nil
	}
	return p.spawnLocked()
}

// Restart force-kills the current daemon and spawns a fresh one.
func (p *ProcessSupervisor) Restart(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		p.logger.Warn("restarting transfer daemon", zap.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
		p.cmd = nil
	}
	time.Sleep(processReleaseWait)
	return p.spawnLocked()
}

func (p *ProcessSupervisor) spawnLocked() error {
	port := "6800"
	if u, err := url.Parse(p.rpcURL); err == nil && u.Port() != "" {
		port = u.Port()
	}

	args := []string{
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port=" + port,
		"--continue=true",
		"--max-connection-per-server=8",
		"--no-conf",
	}
	if p.secret != "" {
		args = append(args, "--rpc-secret="+p.secret)
	}

	cmd := exec.Command(p.binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.binary, err)
	}
	p.cmd = cmd
	p.logger.Info("transfer daemon started", zap.Int("pid", cmd.Process.Pid), zap.String("port", port))

	// Reap the child so a crashed daemon does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	return nil
}

// NopSupervisor assumes an externally managed daemon. Used in tests and
// when the application connects to a shared aria2 instance.
type NopSupervisor struct{}

func (NopSupervisor) EnsureRunning(context.Context) error { return nil }
func (NopSupervisor) Restart(context.Context) error       { return nil }
