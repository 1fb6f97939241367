package pricing

import (
	"context"
	"fmt"
	"sort"
)

// InstanceType — класс инстанса с ценой.
type InstanceType struct {
	Name   string  `json:"name"`
	Cores  int     `json:"cores"`
	Memory float64 `json:"memory"` // GB
	Price  float64 `json:"price"`  // за час
}

// Catalog — источник типов инстансов.
type Catalog interface {
	InstanceTypes(ctx context.Context) ([]InstanceType, error)
}

// Select возвращает самый дешёвый тип с cores и memory не меньше запрошенных.
// При равной цене выбирается меньший по ресурсам, затем по имени.
func Select(types []InstanceType, cores int, memory float64) (InstanceType, error) {
	var fit []InstanceType
	for _, t := range types {
		if t.Cores >= cores && t.Memory >= memory {
			fit = append(fit, t)
		}
	}
	if len(fit) == 0 {
		return InstanceType{}, fmt.Errorf("%w: No instance type found with at least %d cores and %v GB of RAM.",
			ErrNoInstanceType, cores, memory)
	}

	sort.Slice(fit, func(i, j int) bool {
		a, b := fit[i], fit[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.Cores != b.Cores {
			return a.Cores < b.Cores
		}
		if a.Memory != b.Memory {
			return a.Memory < b.Memory
		}
		return a.Name < b.Name
	})
	return fit[0], nil
}

// SelectFrom загружает каталог и выбирает тип.
func SelectFrom(ctx context.Context, c Catalog, cores int, memory float64) (InstanceType, error) {
	types, err := c.InstanceTypes(ctx)
	if err != nil {
		return InstanceType{}, err
	}
	return Select(types, cores, memory)
}
