package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shaiso/loom/internal/domain"
)

// streams — пути к файлам stdout и stderr команды.
type streams map[string]string

// collectOutput собирает данные одного выхода после выполнения команды.
func (a *Agent) collectOutput(ctx context.Context, workDir string, out domain.TaskOutput, logs streams) (*domain.DataObject, error) {
	if out.Type == domain.TypeFile {
		return a.collectFiles(ctx, workDir, out, logs)
	}

	text, err := readSource(workDir, out.Source, logs)
	if err != nil {
		return nil, err
	}

	if out.Parser == nil {
		obj, err := domain.NewValue(out.Type, strings.TrimRight(text, "\r\n"))
		if err != nil {
			return nil, fmt.Errorf("%w: channel %q: %v", ErrParse, out.Channel, err)
		}
		return asScatter(out, obj)
	}

	items, err := ParseText(ctx, text, out.Parser)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", out.Channel, err)
	}
	members := make([]*domain.DataObject, len(items))
	for i, item := range items {
		m, err := domain.NewValue(out.Type, item)
		if err != nil {
			return nil, fmt.Errorf("%w: channel %q item %d: %v", ErrParse, out.Channel, i, err)
		}
		members[i] = m
	}
	arr, err := domain.NewArray(out.Type, members)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q: %v", ErrParse, out.Channel, err)
	}
	return arr, nil
}

// collectFiles загружает файлы выхода. Glob с несколькими совпадениями
// даёт массив в порядке имён.
func (a *Agent) collectFiles(ctx context.Context, workDir string, out domain.TaskOutput, logs streams) (*domain.DataObject, error) {
	var paths []string
	if out.Source.Stream != "" {
		path, ok := logs[out.Source.Stream]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stream %q", ErrMissingOutput, out.Source.Stream)
		}
		paths = []string{path}
	} else {
		matches, err := filepath.Glob(filepath.Join(workDir, out.Source.Filename))
		if err != nil {
			return nil, fmt.Errorf("channel %q: bad pattern: %w", out.Channel, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingOutput, out.Source.Filename)
		}
		sort.Strings(matches)
		paths = matches
	}

	members := make([]*domain.DataObject, 0, len(paths))
	for _, path := range paths {
		res, err := a.reporter.UploadFile(ctx, path, domain.FileSourceResult)
		if err != nil {
			return nil, err
		}
		members = append(members, domain.NewFile(res))
	}

	if len(members) == 1 {
		return asScatter(out, members[0])
	}
	return domain.NewArray(domain.TypeFile, members)
}

// asScatter оборачивает скаляр в массив для выхода в режиме scatter.
func asScatter(out domain.TaskOutput, obj *domain.DataObject) (*domain.DataObject, error) {
	if out.Mode != domain.ModeScatter || obj.IsArray {
		return obj, nil
	}
	return domain.NewArray(obj.Type, []*domain.DataObject{obj})
}

func readSource(workDir string, src domain.OutputSource, logs streams) (string, error) {
	path := ""
	switch {
	case src.Stream != "":
		p, ok := logs[src.Stream]
		if !ok {
			return "", fmt.Errorf("%w: unknown stream %q", ErrMissingOutput, src.Stream)
		}
		path = p
	case src.Filename != "":
		path = filepath.Join(workDir, src.Filename)
	default:
		return "", fmt.Errorf("%w: output has no source", ErrMissingOutput)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q", ErrMissingOutput, filepath.Base(path))
		}
		return "", err
	}
	return string(data), nil
}
