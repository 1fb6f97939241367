// Package agent выполняет одну попытку task на хосте worker'а.
//
// Агент запускается task manager'ом (cmd/loom-agent) с ID попытки и
// адресом API. Дальше он работает сам:
//
//  1. Получает попытку и task через GET /task-attempts/{id}
//  2. Скачивает входные файлы в рабочую директорию
//  3. Сообщает статус RUNNING и шлёт heartbeat
//  4. Выполняет команду через Executor (shell или docker)
//  5. Собирает выходы: файлы, stdout/stderr, парсеры delimited и jq
//  6. Загружает файлы результатов и логи, отправляет выходы
//  7. Завершает попытку через /finish или /fail
//
// Ошибки на любом шаге уходят в /fail с сообщением и деталями;
// решение о повторе принимает оркестратор.
package agent
