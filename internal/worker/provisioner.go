package worker

import (
	"context"

	"github.com/google/uuid"
)

// HostSpec — требования к хосту попытки.
type HostSpec struct {
	Name         string  `json:"name"`
	Cores        int     `json:"cores"`
	Memory       float64 `json:"memory"`    // GB
	DiskSize     int     `json:"disk_size"` // GB, scratch-диск
	DockerImage  string  `json:"docker_image,omitempty"`
	InstanceType string  `json:"instance_type,omitempty"`
}

// Host — созданный хост.
type Host struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// HostProvisioner создаёт хосты, запускает на них агента и удаляет их.
//
// Реализации: ComputeClient (облачный API), LocalProvisioner (процесс
// агента на этой машине).
type HostProvisioner interface {
	// Name — имя провайдера для метрик.
	Name() string

	CreateHost(ctx context.Context, spec HostSpec) (*Host, error)

	// DeployAgent запускает агент попытки на хосте.
	DeployAgent(ctx context.Context, host *Host, attemptID uuid.UUID) error

	// DestroyHost удаляет хост. Отсутствующий хост — не ошибка.
	DestroyHost(ctx context.Context, name string) error
}
