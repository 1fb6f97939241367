package notify

import "errors"

// Ошибки уведомлений.
var (
	// ErrNoSMTP — есть email адреса, но SMTP не настроен.
	ErrNoSMTP = errors.New("smtp is not configured")

	// ErrWebhook — получатель webhook ответил ошибкой.
	ErrWebhook = errors.New("webhook failed")
)
