package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType — тип значения, передаваемого по каналам.
type DataType string

const (
	TypeBoolean DataType = "boolean"
	TypeFloat   DataType = "float"
	TypeFile    DataType = "file"
	TypeInteger DataType = "integer"
	TypeString  DataType = "string"
)

// ParseDataType парсит строку в DataType.
func ParseDataType(s string) (DataType, error) {
	switch t := DataType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeBoolean, TypeFloat, TypeFile, TypeInteger, TypeString:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// DataObject — неизменяемое типизированное значение.
//
// Это tagged union: Type определяет, какое поле заполнено.
//   - boolean/integer/float/string — Value (bool, int64, float64, string)
//   - file — File
//   - массив — IsArray=true и Members (все одного скалярного типа Type)
//
// Массив массивов запрещён.
type DataObject struct {
	// ID — уникальный идентификатор объекта.
	ID uuid.UUID `json:"id"`

	// Type — скалярный тип значения (для массива — тип элементов).
	Type DataType `json:"type"`

	// IsArray — true для массива.
	IsArray bool `json:"is_array,omitempty"`

	// Value — значение скаляра (кроме file).
	Value any `json:"value,omitempty"`

	// File — ссылка на загруженный файл (только для type=file).
	File *FileResource `json:"file,omitempty"`

	// Members — элементы массива в порядке добавления.
	Members []*DataObject `json:"members,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

func newScalar(t DataType, v any) *DataObject {
	return &DataObject{ID: uuid.New(), Type: t, Value: v, CreatedAt: time.Now()}
}

// NewBoolean создаёт boolean объект.
func NewBoolean(v bool) *DataObject { return newScalar(TypeBoolean, v) }

// NewInteger создаёт integer объект.
func NewInteger(v int64) *DataObject { return newScalar(TypeInteger, v) }

// NewFloat создаёт float объект.
func NewFloat(v float64) *DataObject { return newScalar(TypeFloat, v) }

// NewString создаёт string объект.
func NewString(v string) *DataObject { return newScalar(TypeString, v) }

// NewFile создаёт file объект, ссылающийся на ресурс.
func NewFile(res *FileResource) *DataObject {
	return &DataObject{ID: uuid.New(), Type: TypeFile, File: res, CreatedAt: time.Now()}
}

// NewValue создаёт скаляр из нетипизированного значения (JSON/YAML, CLI).
//
// Строки приводятся к нужному типу ("3" → integer 3, "true" → boolean).
// Для file значение должно быть уже разрешено в *FileResource.
func NewValue(t DataType, v any) (*DataObject, error) {
	switch t {
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return NewBoolean(x), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, x)
			}
			return NewBoolean(b), nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int:
			return NewInteger(int64(x)), nil
		case int64:
			return NewInteger(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, x)
			}
			return NewInteger(int64(x)), nil
		case json.Number:
			i, err := x.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, x)
			}
			return NewInteger(i), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, x)
			}
			return NewInteger(i), nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return NewFloat(x), nil
		case int:
			return NewFloat(float64(x)), nil
		case int64:
			return NewFloat(float64(x)), nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not a float", ErrInvalidValue, x)
			}
			return NewFloat(f), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, x)
			}
			return NewFloat(f), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return NewString(x), nil
		case bool, int, int64, float64, json.Number:
			return NewString(fmt.Sprint(x)), nil
		}
	case TypeFile:
		if res, ok := v.(*FileResource); ok {
			return NewFile(res), nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return nil, fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, v, t)
}

// NewArray создаёт массив из списка скаляров (create_from_list).
//
// Все элементы должны иметь тип t; массив внутри массива запрещён.
func NewArray(t DataType, members []*DataObject) (*DataObject, error) {
	arr := &DataObject{
		ID:        uuid.New(),
		Type:      t,
		IsArray:   true,
		Members:   make([]*DataObject, 0, len(members)),
		CreatedAt: time.Now(),
	}
	for _, m := range members {
		if err := arr.AddMember(m); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// AddMember добавляет элемент в конец массива; порядок элемента = текущее число элементов.
func (d *DataObject) AddMember(m *DataObject) error {
	if !d.IsArray {
		return ErrNonArray
	}
	if m == nil {
		return fmt.Errorf("%w: nil member", ErrInvalidValue)
	}
	if m.IsArray {
		return ErrNestedArrays
	}
	if m.Type != d.Type {
		return fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, d.Type, m.Type)
	}
	d.Members = append(d.Members, m)
	return nil
}

// IsReady возвращает true, если значение полностью доступно.
// Для файла — загрузка завершена; для массива — готовы все элементы.
func (d *DataObject) IsReady() bool {
	if d == nil {
		return false
	}
	if d.IsArray {
		for _, m := range d.Members {
			if !m.IsReady() {
				return false
			}
		}
		return true
	}
	if d.Type == TypeFile {
		return d.File != nil && d.File.IsReady()
	}
	return true
}

// Substitution возвращает строку для подстановки в команду.
// Файл подставляется именем, массив — элементами через пробел.
func (d *DataObject) Substitution() string {
	if d == nil {
		return ""
	}
	if d.IsArray {
		parts := make([]string, len(d.Members))
		for i, m := range d.Members {
			parts[i] = m.Substitution()
		}
		return strings.Join(parts, " ")
	}
	if d.Type == TypeFile {
		if d.File == nil {
			return ""
		}
		return d.File.Filename
	}
	switch v := d.Value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Native возвращает значение в виде Go-типа (для JSON/шаблонов).
func (d *DataObject) Native() any {
	if d == nil {
		return nil
	}
	if d.IsArray {
		out := make([]any, len(d.Members))
		for i, m := range d.Members {
			out[i] = m.Native()
		}
		return out
	}
	if d.Type == TypeFile {
		if d.File == nil {
			return nil
		}
		return d.File.Filename
	}
	return d.Value
}

// UnmarshalJSON восстанавливает Value в типе, соответствующем Type
// (encoding/json превращает любое число в float64).
func (d *DataObject) UnmarshalJSON(b []byte) error {
	type alias DataObject
	var raw struct {
		alias
		Value json.RawMessage `json:"value,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = DataObject(raw.alias)
	d.Value = nil
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}

	switch d.Type {
	case TypeBoolean:
		var v bool
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode boolean: %w", err)
		}
		d.Value = v
	case TypeInteger:
		var v int64
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode integer: %w", err)
		}
		d.Value = v
	case TypeFloat:
		var v float64
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode float: %w", err)
		}
		d.Value = v
	case TypeString:
		var v string
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		d.Value = v
	}
	return nil
}
