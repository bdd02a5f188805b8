package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"tokenguard/internal/logger"
	"tokenguard/internal/types"
)

// Spec describes one agent launch.
type Spec struct {
	Asset string
	Mode  types.AgentMode
}

// Process is a running agent. Wait delivers exactly one ExitInfo and is then closed.
type Process interface {
	PID() int
	Wait() <-chan types.ExitInfo
	// Terminate asks the agent to shut down gracefully.
	Terminate() error
	Kill() error
}

// Launcher starts agents. Implementations must not tie the process lifetime to ctx.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher 以子进程方式运行 `tokenguard agent -asset X`。
type ExecLauncher struct {
	Binary     string
	ConfigPath string
	Env        []string
}

func (l *ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent binary: %w", err)
		}
		bin = exe
	}
	args := []string{"agent", "-asset", spec.Asset, "-mode", string(spec.Mode)}
	if l.ConfigPath != "" {
		args = append(args, "-config", l.ConfigPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), l.Env...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", spec.Asset, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan types.ExitInfo, 1)}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan types.ExitInfo
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() <-chan types.ExitInfo { return p.done }

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	info := types.ExitInfo{At: time.Now()}
	if err != nil {
		info.Error = err.Error()
		info.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			info.Code = exitErr.ExitCode()
		}
	}
	p.done <- info
	close(p.done)
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// RunFunc runs one agent inside the supervisor process until ctx ends.
type RunFunc func(ctx context.Context, spec Spec) error

// InProcessLauncher 在 goroutine 中运行 agent，panic 视为崩溃。用于单进程部署与测试。
type InProcessLauncher struct {
	Run RunFunc
}

func (l *InProcessLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	if l.Run == nil {
		return nil, fmt.Errorf("in-process launcher has no run func")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan types.ExitInfo, 1)}
	go func() {
		info := types.ExitInfo{}
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("agent %s panic: %v\n%s", spec.Asset, r, debug.Stack())
				info = types.ExitInfo{Code: 2, Error: fmt.Sprintf("panic: %v", r)}
			}
			info.At = time.Now()
			p.done <- info
			close(p.done)
		}()
		if err := l.Run(ctx, spec); err != nil && !errors.Is(err, context.Canceled) {
			info = types.ExitInfo{Code: 1, Error: err.Error()}
		}
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan types.ExitInfo
	once   sync.Once
}

func (p *goroutineProcess) PID() int { return os.Getpid() }

func (p *goroutineProcess) Wait() <-chan types.ExitInfo { return p.done }

func (p *goroutineProcess) Terminate() error {
	p.once.Do(p.cancel)
	return nil
}

// Kill cannot preempt a goroutine; it cancels like Terminate.
func (p *goroutineProcess) Kill() error {
	return p.Terminate()
}
