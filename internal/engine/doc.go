// Package engine содержит логику шаблонов и расчёта входов.
//
// Включает:
//   - parser.go    — парсинг шаблонов из YAML/JSON и их валидация
//   - dag.go       — граф шагов workflow, связанных через каналы
//   - inputcalc.go — расчёт наборов входов для task (scatter/gather)
//   - template.go  — рендеринг команд ({{ .reads }})
//
// Engine не ходит в базу и очередь: orchestrator передаёт ему
// шаблоны и деревья данных и получает готовые наборы входов.
package engine
