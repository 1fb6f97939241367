package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "LOOM_"

// legacyEnv — плоские имена переменных, оставшиеся от docker-compose.
var legacyEnv = map[string]string{
	"DB_URL":       "database.url",
	"RABBITMQ_URL": "rabbitmq.url",
	"LOG_LEVEL":    "log.level",
	"LOG_FORMAT":   "log.format",
}

// Load собирает конфигурацию из значений по умолчанию и окружения.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrLoad, err)
	}
	if err := k.Load(env.Provider(".", env.Opt{TransformFunc: envKey}), nil); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrLoad, err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrLoad, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию по тегам validate.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// envKey превращает имя переменной в путь koanf; пустой ключ — переменная
// не относится к конфигурации.
//
//	LOOM_WORKER__MAX_TASK_RETRIES → worker.max_task_retries
//	DB_URL                        → database.url
func envKey(key, value string) (string, any) {
	if path, ok := legacyEnv[key]; ok {
		return path, value
	}
	if !strings.HasPrefix(key, envPrefix) {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", "."), value
}
