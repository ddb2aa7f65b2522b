package qtx

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config - параметры координатора.
type Config struct {
	// DefaultTimeout - тайм-аут транзакции, если Begin вызван без него. Ноль - без тайм-аута.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// ReaperInterval - период проверки тайм-аутов.
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	// KeypointInterval - число завершенных записей журнала восстановления между контрольными точками.
	KeypointInterval int `yaml:"keypoint_interval"`
	// NestedTransactions разрешает Begin при уже активной транзакции в цепочке вызовов.
	NestedTransactions bool `yaml:"nested_transactions"`
	// DelegatedRecovery переносит разрешение незавершенных транзакций в фон, см. [Coordinator.InitRecovery].
	DelegatedRecovery bool `yaml:"delegated_recovery"`
	// RecoveryAttempts - число попыток связаться с участником при восстановлении.
	RecoveryAttempts int `yaml:"recovery_attempts"`
	// RecoveryBackoff - пауза после первой неудачной попытки. Удваивается до RecoveryBackoff<<3.
	RecoveryBackoff time.Duration `yaml:"recovery_backoff"`
	// ReconnectRate - предел числа попыток связи с участниками в секунду.
	ReconnectRate float64 `yaml:"reconnect_rate"`
	// ShutdownTimeout ограничивает ожидание незавершенных транзакций в Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		ReaperInterval:   time.Second,
		KeypointInterval: 65536,
		RecoveryAttempts: 5,
		RecoveryBackoff:  100 * time.Millisecond,
		ReconnectRate:    50,
		ShutdownTimeout:  30 * time.Second,
	}
}

// LoadConfig читает параметры из YAML-файла. Отсутствующие в файле параметры получают значения по умолчанию.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("#TX_CONFIG: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("#TX_CONFIG: %s: %w", path, err)
	}
	repair(&cfg)
	return cfg, nil
}

// repair заменяет недопустимые значения значениями по умолчанию.
func repair(cfg *Config) {
	def := DefaultConfig()
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.KeypointInterval <= 0 {
		cfg.KeypointInterval = def.KeypointInterval
	}
	if cfg.RecoveryAttempts <= 0 {
		cfg.RecoveryAttempts = def.RecoveryAttempts
	}
	if cfg.RecoveryBackoff <= 0 {
		cfg.RecoveryBackoff = def.RecoveryBackoff
	}
	if cfg.ReconnectRate <= 0 {
		cfg.ReconnectRate = def.ReconnectRate
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
}

// ---

// Alert - сообщение администратору о транзакции, которую координатор не смог довести до конца сам.
type Alert struct {
	TxID    string
	Outcome string
	// Resources - участники, не подтвердившие исход.
	Resources []ResourceID
	Err       error
}

type Option func(*options)

type options struct {
	cfg            Config
	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	alert          func(Alert)
}

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeterProvider задает источник метрик. По умолчанию - глобальный otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider задает источник трассировки. По умолчанию - глобальный otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithAlertFunc задает получателя административных оповещений: эвристических исходов и транзакций, не разрешенных
// при восстановлении. Вызывается синхронно.
func WithAlertFunc(alert func(Alert)) Option {
	return func(o *options) { o.alert = alert }
}

// WithNestedTransactions разрешает Begin при уже активной транзакции.
func WithNestedTransactions(nested bool) Option {
	return func(o *options) { o.cfg.NestedTransactions = nested }
}

// WithDefaultTimeout задает тайм-аут транзакций, начатых без явного тайм-аута.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *options) { o.cfg.DefaultTimeout = timeout }
}

func newOptions(opts []Option) *options {
	o := &options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	repair(&o.cfg)
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.alert == nil {
		o.alert = func(Alert) {}
	}
	return o
}
