package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const scriptName = ".loom-command"

// Command — команда task, готовая к запуску.
type Command struct {
	// Interpreter — "/bin/bash -euo pipefail"; скрипт передаётся последним аргументом.
	Interpreter string

	// Script — текст команды после подстановки входов.
	Script string

	// WorkDir — рабочая директория с входными файлами.
	WorkDir string

	// Image — образ контейнера (для docker).
	Image string

	Stdout io.Writer
	Stderr io.Writer
}

// ExecutionResult — результат выполнения команды.
type ExecutionResult struct {
	// ExitCode — код возврата процесса.
	ExitCode int

	// Duration — время выполнения.
	Duration time.Duration
}

// Executor выполняет команду.
//
// Ненулевой код возврата — не ошибка Execute, он возвращается в
// ExecutionResult. error означает, что процесс не удалось запустить.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// Registry — реестр executor'ов по имени ("shell", "docker").
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами по умолчанию.
// dockerBin — путь к docker CLI; пустой — docker не регистрируется.
func NewRegistry(dockerBin string) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("shell", &ShellExecutor{})
	if dockerBin != "" {
		r.Register("docker", &DockerExecutor{Binary: dockerBin})
	}
	return r
}

// Register добавляет executor.
func (r *Registry) Register(name string, executor Executor) {
	r.executors[name] = executor
}

// For выбирает executor для образа: docker, если образ задан
// и docker доступен, иначе shell.
func (r *Registry) For(image string) Executor {
	if image != "" {
		if e, ok := r.executors["docker"]; ok {
			return e
		}
	}
	return r.executors["shell"]
}

// ShellExecutor запускает интерпретатор на хосте.
type ShellExecutor struct{}

// Execute выполняет скрипт в WorkDir.
func (e *ShellExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	script, err := writeScript(cmd)
	if err != nil {
		return nil, err
	}
	argv := append(interpreterArgs(cmd.Interpreter), script)
	return run(ctx, exec.CommandContext(ctx, argv[0], argv[1:]...), cmd)
}

// DockerExecutor запускает скрипт в контейнере; WorkDir монтируется
// по тому же пути.
type DockerExecutor struct {
	Binary string
}

// Execute выполняет скрипт в контейнере cmd.Image.
func (e *DockerExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	script, err := writeScript(cmd)
	if err != nil {
		return nil, err
	}
	args := []string{
		"run", "--rm",
		"-v", cmd.WorkDir + ":" + cmd.WorkDir,
		"-w", cmd.WorkDir,
		cmd.Image,
	}
	args = append(args, interpreterArgs(cmd.Interpreter)...)
	args = append(args, script)
	return run(ctx, exec.CommandContext(ctx, e.Binary, args...), cmd)
}

func interpreterArgs(interpreter string) []string {
	fields := strings.Fields(interpreter)
	if len(fields) == 0 {
		return []string{"/bin/bash", "-euo", "pipefail"}
	}
	return fields
}

func writeScript(cmd Command) (string, error) {
	path := filepath.Join(cmd.WorkDir, scriptName)
	if err := os.WriteFile(path, []byte(cmd.Script+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	return path, nil
}

func run(ctx context.Context, c *exec.Cmd, cmd Command) (*ExecutionResult, error) {
	c.Dir = cmd.WorkDir
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	start := time.Now()
	err := c.Run()
	result := &ExecutionResult{Duration: time.Since(start)}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("run command: %w", err)
}
