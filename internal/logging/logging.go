// Package logging строит *zap.Logger по параметрам из конфигурации: уровень, формат и приемник. Файловый приемник
// ротируется по размеру.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config - параметры журнала.
type Config struct {
	// Level - минимальный уровень: debug, info, warn, error. По умолчанию info.
	Level string `yaml:"level"`
	// Format - json или console. По умолчанию json.
	Format string `yaml:"format"`
	// OutputFile - файл журнала, stdout или stderr. По умолчанию stderr.
	OutputFile string `yaml:"output_file"`
	// MaxSizeMB - размер файла, после которого он ротируется.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups - число хранимых ротированных файлов.
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays - срок хранения ротированных файлов.
	MaxAgeDays int `yaml:"max_age_days"`
}

// New строит журнал. Поле service добавляется к каждой записи.
func New(cfg Config, service string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("#LOG_LEVEL: %q: %w", cfg.Level, err)
		}
	}

	core := zapcore.NewCore(encoder(cfg.Format), writeSyncer(cfg), level)
	logger := zap.New(core, zap.AddCaller())
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

func encoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func writeSyncer(cfg Config) zapcore.WriteSyncer {
	switch strings.ToLower(cfg.OutputFile) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputFile,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})
}
