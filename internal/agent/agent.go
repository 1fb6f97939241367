package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

const (
	defaultHeartbeat = 30 * time.Second
	stderrTail       = 2000
)

// Сообщения об ошибках попытки.
const (
	msgSetupFailed   = "Failed to prepare working directory"
	msgExecFailed    = "Failed to execute command"
	msgCommandFailed = "Command failed"
	msgOutputsFailed = "Failed to save outputs"
)

// Agent выполняет одну попытку.
type Agent struct {
	attemptID uuid.UUID
	reporter  Reporter
	executors *Registry
	workDir   string
	heartbeat time.Duration
	logger    *slog.Logger
}

// Config — конфигурация Agent.
type Config struct {
	AttemptID uuid.UUID
	Reporter  Reporter

	// Executors — по умолчанию только shell.
	Executors *Registry

	// WorkDir — рабочая директория попытки.
	WorkDir string

	// Heartbeat — интервал heartbeat (default: 30s).
	Heartbeat time.Duration

	Logger *slog.Logger
}

// New создаёт Agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executors := cfg.Executors
	if executors == nil {
		executors = NewRegistry("")
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Agent{
		attemptID: cfg.AttemptID,
		reporter:  cfg.Reporter,
		executors: executors,
		workDir:   cfg.WorkDir,
		heartbeat: heartbeat,
		logger:    logger.With("attempt_id", cfg.AttemptID),
	}
}

// Run выполняет попытку до конца. Ошибка выполнения сообщается в API
// через /fail и возвращается.
func (a *Agent) Run(ctx context.Context) error {
	bundle, err := a.reporter.Bundle(ctx, a.attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	task := bundle.Task
	a.logger.Info("starting attempt", "task_id", task.ID, "command", task.Command)

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return a.fail(ctx, msgSetupFailed, err)
	}
	if err := a.reporter.Update(ctx, a.attemptID, AttemptUpdate{Status: domain.AttemptRunning}); err != nil {
		return fmt.Errorf("report running: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sendHeartbeats(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		wg.Wait()
	}()

	if err := a.downloadInputs(ctx, task); err != nil {
		return a.fail(ctx, msgSetupFailed, err)
	}

	logs, result, err := a.execute(ctx, task)
	a.uploadLogs(ctx, logs)
	if err != nil {
		return a.fail(ctx, msgExecFailed, err)
	}
	if result.ExitCode != 0 {
		detail := fmt.Sprintf("exit code %d", result.ExitCode)
		if tail := readTail(logs["stderr"], stderrTail); tail != "" {
			detail += ": " + tail
		}
		return a.fail(ctx, msgCommandFailed, fmt.Errorf("%w: %s", ErrCommandFailed, detail))
	}

	outputs := make([]OutputData, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		data, err := a.collectOutput(ctx, a.workDir, out, logs)
		if err != nil {
			return a.fail(ctx, msgOutputsFailed, err)
		}
		outputs = append(outputs, OutputData{Channel: out.Channel, Data: data})
	}
	if err := a.reporter.SubmitOutputs(ctx, a.attemptID, outputs); err != nil {
		return a.fail(ctx, msgOutputsFailed, err)
	}

	if err := a.reporter.Finish(ctx, a.attemptID); err != nil {
		return fmt.Errorf("report finish: %w", err)
	}
	a.logger.Info("attempt finished", "duration", result.Duration)
	return nil
}

// downloadInputs скачивает входные файлы в рабочую директорию под их именами.
func (a *Agent) downloadInputs(ctx context.Context, task *domain.Task) error {
	for _, in := range task.Inputs {
		for _, res := range inputFiles(in.Data) {
			dest := filepath.Join(a.workDir, res.Filename)
			if err := a.reporter.DownloadFile(ctx, res.ID, dest); err != nil {
				return fmt.Errorf("input %q: %w", in.Channel, err)
			}
		}
	}
	return nil
}

func inputFiles(obj *domain.DataObject) []*domain.FileResource {
	if obj == nil {
		return nil
	}
	if obj.IsArray {
		var out []*domain.FileResource
		for _, m := range obj.Members {
			out = append(out, inputFiles(m)...)
		}
		return out
	}
	if obj.Type == domain.TypeFile && obj.File != nil {
		return []*domain.FileResource{obj.File}
	}
	return nil
}

func (a *Agent) execute(ctx context.Context, task *domain.Task) (streams, *ExecutionResult, error) {
	logs := streams{
		"stdout": filepath.Join(a.workDir, "stdout.log"),
		"stderr": filepath.Join(a.workDir, "stderr.log"),
	}
	stdout, err := os.Create(logs["stdout"])
	if err != nil {
		return nil, nil, err
	}
	defer stdout.Close()
	stderr, err := os.Create(logs["stderr"])
	if err != nil {
		return nil, nil, err
	}
	defer stderr.Close()

	executor := a.executors.For(task.Environment.DockerImage)
	result, err := executor.Execute(ctx, Command{
		Interpreter: task.Interpreter,
		Script:      task.Command,
		WorkDir:     a.workDir,
		Image:       task.Environment.DockerImage,
		Stdout:      stdout,
		Stderr:      stderr,
	})
	return logs, result, err
}

// uploadLogs загружает stdout и stderr и привязывает их к попытке.
// Ошибки только логируются.
func (a *Agent) uploadLogs(ctx context.Context, logs streams) {
	var ids []uuid.UUID
	for _, name := range []string{"stdout", "stderr"} {
		path, ok := logs[name]
		if !ok {
			continue
		}
		res, err := a.reporter.UploadFile(ctx, path, domain.FileSourceLog)
		if err != nil {
			a.logger.Warn("failed to upload log", "log", name, "error", err)
			continue
		}
		ids = append(ids, res.ID)
	}
	if len(ids) == 0 {
		return
	}
	if err := a.reporter.Update(ctx, a.attemptID, AttemptUpdate{LogFiles: ids}); err != nil {
		a.logger.Warn("failed to attach logs", "error", err)
	}
}

func (a *Agent) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.reporter.Update(ctx, a.attemptID, AttemptUpdate{Heartbeat: true}); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// fail сообщает об ошибке в API и возвращает её.
func (a *Agent) fail(ctx context.Context, message string, cause error) error {
	a.logger.Error(message, "error", cause)
	report := ErrorReport{Message: message, Detail: cause.Error()}
	if err := a.reporter.Fail(ctx, a.attemptID, report); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", message, cause), fmt.Errorf("report failure: %w", err))
	}
	return fmt.Errorf("%s: %w", message, cause)
}

func readTail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
