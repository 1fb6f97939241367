// Package orchestrator разворачивает шаблоны в дерево runs и ведёт его
// до финального статуса.
//
// Основные части:
//   - state.go — переходы статусов (finish, fail, kill, running)
//   - postprocess.go — однократное раскрытие run в детей
//   - wiring.go — запуск корневого run и связывание каналов
//   - push.go — расчёт наборов входов и создание tasks
//   - attempts.go — обработка событий попыток
//   - orchestrator.go, handlers.go — сервис поверх очередей RabbitMQ
//
// Все изменения записей идут через compare-and-swap по полю Version,
// поэтому обработчики можно вызывать повторно и параллельно.
package orchestrator
