package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/telemetry"
)

const webhookParallelism = 4

// Notifier рассылает уведомления о завершении run.
type Notifier struct {
	serverName string
	serverURL  string
	global     []string
	email      EmailSender
	webhook    *WebhookSender
	logger     *slog.Logger
}

// Config — конфигурация Notifier.
type Config struct {
	// ServerName и ServerURL попадают в текст и ссылки уведомления.
	ServerName string
	ServerURL  string

	// Addresses — адреса, получающие уведомления обо всех runs.
	Addresses []string

	// Email — nil, если email не настроен.
	Email EmailSender

	// WebhookTimeout — таймаут одного POST (default: 10s).
	WebhookTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт Notifier.
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		serverName: cfg.ServerName,
		serverURL:  cfg.ServerURL,
		global:     cfg.Addresses,
		email:      cfg.Email,
		webhook:    NewWebhookSender(cfg.WebhookTimeout),
		logger:     logger,
	}
}

// Notify отправляет уведомление на адреса run'а и глобальные адреса.
// Все адресаты обрабатываются, возвращается первая ошибка.
func (n *Notifier) Notify(ctx context.Context, run *domain.Run) error {
	addresses := append(append([]string{}, run.NotificationAddresses...), n.global...)
	emails, urls := Partition(addresses)
	if len(emails) == 0 && len(urls) == 0 {
		return nil
	}

	msg, err := Build(run, n.serverName, n.serverURL)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(webhookParallelism)

	if len(emails) > 0 {
		g.Go(func() error {
			err := n.sendEmail(ctx, emails, msg)
			n.record("email", err)
			return err
		})
	}
	for _, url := range urls {
		g.Go(func() error {
			err := n.webhook.Post(ctx, url, msg.Payload)
			n.record("webhook", err)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	n.logger.Info("notification sent",
		"run_id", run.ID,
		"status", msg.Payload.RunStatus,
		"emails", len(emails),
		"urls", len(urls),
	)
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, to []string, msg Message) error {
	if n.email == nil {
		return ErrNoSMTP
	}
	return n.email.SendEmail(ctx, to, msg.Subject, msg.Text)
}

func (n *Notifier) record(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		n.logger.Warn("notification failed", "kind", kind, "error", err)
	}
	telemetry.NotificationsSent.WithLabelValues(kind, result).Inc()
}
