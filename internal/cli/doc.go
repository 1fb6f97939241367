// Package cli реализует инструмент командной строки Loom.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Loom API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI импортирует шаблоны и файлы, запускает runs и показывает их состояние.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент (resty) для Loom API. Разворачивает {"data": ...}
// и превращает {"error": {...}} в ошибку.
//
//	client := cli.NewClient("http://localhost:8080")
//	templates, err := client.ListTemplates(0)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: loom run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - template: import, list, show
//   - run: start, list, show, kill, tasks
//   - file: import
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
