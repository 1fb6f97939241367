package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// LocalProvisioner запускает агента процессом на этой машине.
//
// "Хост" — рабочая директория попытки; DestroyHost останавливает
// процесс агента и удаляет директорию.
type LocalProvisioner struct {
	command []string
	apiURL  string
	workDir string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// LocalConfig — конфигурация LocalProvisioner.
type LocalConfig struct {
	// AgentCommand — команда запуска агента (default: ["loom-agent"]).
	// К ней добавляются --attempt, --api и --workdir.
	AgentCommand []string

	// APIURL — адрес loom API для агента.
	APIURL string

	// WorkDir — корень рабочих директорий попыток.
	WorkDir string

	Logger *slog.Logger
}

// NewLocalProvisioner создаёт LocalProvisioner.
func NewLocalProvisioner(cfg LocalConfig) *LocalProvisioner {
	command := cfg.AgentCommand
	if len(command) == 0 {
		command = []string{"loom-agent"}
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "loom-workers")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvisioner{
		command: command,
		apiURL:  cfg.APIURL,
		workDir: workDir,
		logger:  logger,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Name возвращает "local".
func (p *LocalProvisioner) Name() string { return "local" }

// CreateHost создаёт рабочую директорию.
func (p *LocalProvisioner) CreateHost(_ context.Context, spec HostSpec) (*Host, error) {
	dir := p.hostDir(spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Host{Name: spec.Name, Address: dir}, nil
}

// DeployAgent запускает процесс агента в фоне.
func (p *LocalProvisioner) DeployAgent(_ context.Context, host *Host, attemptID uuid.UUID) error {
	args := append([]string{}, p.command[1:]...)
	args = append(args,
		"--attempt", attemptID.String(),
		"--api", p.apiURL,
		"--workdir", p.hostDir(host.Name),
	)

	// Агент переживает обработку сообщения, поэтому не наследует его ctx.
	cmd := exec.Command(p.command[0], args...)
	cmd.Dir = p.hostDir(host.Name)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	p.mu.Lock()
	p.procs[host.Name] = cmd
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.logger.Debug("agent exited", "worker", host.Name, "attempt_id", attemptID, "error", err)
	}()
	return nil
}

// DestroyHost останавливает агента и удаляет рабочую директорию.
func (p *LocalProvisioner) DestroyHost(_ context.Context, name string) error {
	p.mu.Lock()
	cmd := p.procs[name]
	delete(p.procs, name)
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to kill agent", "worker", name, "error", err)
		}
	}
	if err := os.RemoveAll(p.hostDir(name)); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}

// Running возвращает число запущенных агентов.
func (p *LocalProvisioner) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

func (p *LocalProvisioner) hostDir(name string) string {
	return filepath.Join(p.workDir, name)
}
