// Package config загружает конфигурацию сервисов loom.
//
// Источники по возрастанию приоритета:
//   - значения по умолчанию (Default)
//   - переменные окружения с префиксом LOOM_, "__" разделяет уровни:
//     LOOM_WORKER__MAX_TASK_RETRIES=2 → worker.max_task_retries
//   - старые плоские имена: DB_URL, RABBITMQ_URL, LOG_LEVEL, LOG_FORMAT
//
// Результат проверяется validator'ом; Settings и остальные методы
// превращают Config в конфигурации отдельных компонентов.
package config
