package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Default configuration values.
const (
	defaultTimeout = 10 * time.Second
	defaultTTL     = time.Hour
)

// HTTPSource — каталог из HTTP API с fallback на cache-файл.
//
// GET {BaseURL}/instance-types возвращает JSON массив InstanceType.
// Ответ держится в памяти TTL, затем запрашивается заново.
type HTTPSource struct {
	client    *resty.Client
	cacheFile string
	ttl       time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	types     []InstanceType
	fetchedAt time.Time
}

// HTTPConfig — конфигурация HTTPSource.
type HTTPConfig struct {
	// BaseURL — адрес API каталога.
	BaseURL string

	// CacheFile — путь к файлу последнего успешного каталога (пусто — без файла).
	CacheFile string

	// TTL — сколько держать каталог в памяти (default: 1h).
	TTL time.Duration

	// Timeout — таймаут запроса (default: 10s).
	Timeout time.Duration

	Logger *slog.Logger
}

// NewHTTPSource создаёт HTTPSource.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &HTTPSource{
		client:    client,
		cacheFile: cfg.CacheFile,
		ttl:       ttl,
		logger:    logger,
	}
}

// InstanceTypes возвращает каталог: из памяти, из API или из cache-файла.
func (s *HTTPSource) InstanceTypes(ctx context.Context) ([]InstanceType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.types != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.types, nil
	}
	return s.refresh(ctx)
}

// Refresh принудительно перечитывает каталог.
func (s *HTTPSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.refresh(ctx)
	return err
}

func (s *HTTPSource) refresh(ctx context.Context) ([]InstanceType, error) {
	types, err := s.fetch(ctx)
	if err == nil {
		s.types = types
		s.fetchedAt = time.Now()
		if err := s.writeCache(types); err != nil {
			s.logger.Warn("failed to write pricing cache", "file", s.cacheFile, "error", err)
		}
		return types, nil
	}

	s.logger.Warn("pricing API unavailable, using cache", "error", err)
	if s.types != nil {
		return s.types, nil
	}
	cached, cerr := s.readCache()
	if cerr != nil {
		return nil, fmt.Errorf("%w: %v; cache: %v", ErrCatalogUnavailable, err, cerr)
	}
	s.types = cached
	return cached, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]InstanceType, error) {
	var types []InstanceType
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&types).
		Get("/instance-types")
	if err != nil {
		return nil, fmt.Errorf("get instance types: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get instance types: status %d", resp.StatusCode())
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("get instance types: empty catalog")
	}
	return types, nil
}

func (s *HTTPSource) writeCache(types []InstanceType) error {
	if s.cacheFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(types, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cacheFile), 0o755); err != nil {
		return err
	}
	tmp := s.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.cacheFile)
}

func (s *HTTPSource) readCache() ([]InstanceType, error) {
	if s.cacheFile == "" {
		return nil, fmt.Errorf("no cache file configured")
	}
	b, err := os.ReadFile(s.cacheFile)
	if err != nil {
		return nil, err
	}
	var types []InstanceType
	if err := json.Unmarshal(b, &types); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.cacheFile, err)
	}
	return types, nil
}

// StaticCatalog — фиксированный каталог (локальный режим, тесты).
type StaticCatalog []InstanceType

// InstanceTypes возвращает каталог как есть.
func (c StaticCatalog) InstanceTypes(context.Context) ([]InstanceType, error) {
	return c, nil
}

// DefaultCatalog — встроенный набор, когда адрес каталога не задан.
var DefaultCatalog = StaticCatalog{
	{Name: "standard-2", Cores: 2, Memory: 7.5, Price: 0.095},
	{Name: "standard-4", Cores: 4, Memory: 15, Price: 0.19},
	{Name: "standard-8", Cores: 8, Memory: 30, Price: 0.38},
	{Name: "standard-16", Cores: 16, Memory: 60, Price: 0.76},
	{Name: "highmem-8", Cores: 8, Memory: 52, Price: 0.47},
	{Name: "highmem-16", Cores: 16, Memory: 104, Price: 0.95},
}
