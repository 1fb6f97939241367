// Package pricing выбирает тип облачного инстанса для попытки.
//
// Каталог (InstanceType: cores, memory, price) загружается из HTTP API
// провайдера. Успешный ответ сохраняется в cache-файл; если API
// недоступен, используется последний сохранённый каталог.
//
// Select возвращает самый дешёвый тип, у которого cores и memory не
// меньше запрошенных.
package pricing
