// Package telemetry — логи, метрики и трейсы всех бинарников loom.
//
// Логи пишутся через slog в stdout (JSON или text), метрики регистрируются
// в глобальном registry Prometheus и отдаются на /metrics, спаны движка
// создаются через глобальный TracerProvider OpenTelemetry.
package telemetry
