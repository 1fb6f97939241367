// Package notify рассылает уведомления о завершении корневых runs.
//
// Адреса run'а и глобальные адреса из конфигурации делятся по
// наличию "@": email уходит одним письмом через SMTP, на каждый URL
// отправляется JSON POST. Доставка — best effort, ошибки не влияют
// на статус run.
package notify
