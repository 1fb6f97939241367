package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shaiso/loom/internal/domain"
)

// defaultTemplateCacheSize — сколько шаблонов держать в памяти.
const defaultTemplateCacheSize = 1024

// CachedTemplates кэширует шаблоны поверх TemplateStore.
// Шаблоны неизменяемы, поэтому инвалидация не нужна.
type CachedTemplates struct {
	store TemplateStore
	cache *lru.Cache[uuid.UUID, *domain.Template]
}

// NewCachedTemplates создаёт кэш размера size (0 — по умолчанию).
func NewCachedTemplates(store TemplateStore, size int) (*CachedTemplates, error) {
	if size <= 0 {
		size = defaultTemplateCacheSize
	}
	cache, err := lru.New[uuid.UUID, *domain.Template](size)
	if err != nil {
		return nil, fmt.Errorf("new template cache: %w", err)
	}
	return &CachedTemplates{store: store, cache: cache}, nil
}

// GetByID возвращает шаблон из кэша или хранилища.
func (c *CachedTemplates) GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	if t, ok := c.cache.Get(id); ok {
		return t, nil
	}
	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, t)
	return t, nil
}

// Len возвращает число шаблонов в кэше.
func (c *CachedTemplates) Len() int {
	return c.cache.Len()
}
