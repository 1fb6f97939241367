// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (хранилища, движок, файлы, publisher)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — request id, логи и метрики запросов, recovery
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - template_handler.go — обработчики для /templates
//   - run_handler.go      — обработчики для /runs
//   - attempt_handler.go  — обратные вызовы агента /task-attempts
//   - file_handler.go     — обработчики для /files
//
// Ответы оборачиваются в {"data": ...}; ошибки — {"error": {"code", "message"}}.
package api
