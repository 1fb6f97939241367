package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ComputeClient — HostProvisioner поверх HTTP API облачного провайдера.
//
// API:
//   - POST   /hosts               HostSpec → Host
//   - POST   /hosts/{name}/agent  {attempt_id, api_url}
//   - DELETE /hosts/{name}
//
// Запросы ограничены по частоте: у провайдеров квота на вызовы API.
type ComputeClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	apiURL  string
}

// ComputeConfig — конфигурация ComputeClient.
type ComputeConfig struct {
	// BaseURL — адрес API провайдера.
	BaseURL string

	// Token — bearer токен API.
	Token string

	// APIURL — адрес loom API, который агент получит при запуске.
	APIURL string

	// RequestsPerSecond — лимит запросов (default: 5).
	RequestsPerSecond float64

	// Timeout — таймаут одного запроса (default: 5m, создание VM долгое).
	Timeout time.Duration
}

// NewComputeClient создаёт ComputeClient.
func NewComputeClient(cfg ComputeConfig) *ComputeClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	c := &ComputeClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		apiURL:  cfg.APIURL,
	}
	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		return c.limiter.Wait(r.Context())
	})
	return c
}

// Name возвращает "cloud".
func (c *ComputeClient) Name() string { return "cloud" }

// CreateHost создаёт VM со scratch-диском.
func (c *ComputeClient) CreateHost(ctx context.Context, spec HostSpec) (*Host, error) {
	var host Host
	resp, err := c.request(ctx).
		SetBody(spec).
		SetResult(&host).
		Post("/hosts")
	if err := checkResponse("create host", resp, err); err != nil {
		return nil, err
	}
	if host.Name == "" {
		host.Name = spec.Name
	}
	return &host, nil
}

// DeployAgent запускает агент на VM.
func (c *ComputeClient) DeployAgent(ctx context.Context, host *Host, attemptID uuid.UUID) error {
	resp, err := c.request(ctx).
		SetPathParam("name", host.Name).
		SetBody(map[string]string{
			"attempt_id": attemptID.String(),
			"api_url":    c.apiURL,
		}).
		Post("/hosts/{name}/agent")
	return checkResponse("deploy agent", resp, err)
}

// DestroyHost удаляет VM вместе с диском.
func (c *ComputeClient) DestroyHost(ctx context.Context, name string) error {
	resp, err := c.request(ctx).
		SetPathParam("name", name).
		Delete("/hosts/{name}")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return checkResponse("destroy host", resp, err)
}

func (c *ComputeClient) request(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx)
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status %d: %s", ErrProvider, op, resp.StatusCode(), resp.String())
	}
	return nil
}
