package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration. Output is stdout, stderr or a file
// path opened for append.
type Config struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"`
	Output string            `mapstructure:"output"`
	Fields map[string]string `mapstructure:"fields"`
}

func shortCaller(_ uintptr, file string, line int) string {
	return filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file)) + ":" + strconv.Itoa(line)
}

// New builds the process logger and installs it as the zerolog global.
// An unusable output path falls back to stderr.
func New(config Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(config.Level))
	zerolog.CallerMarshalFunc = shortCaller
	zerolog.DurationFieldUnit = time.Millisecond

	out, openErr := openOutput(config.Output)
	if strings.EqualFold(config.Format, "pretty") || strings.EqualFold(config.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp().Caller()
	for k, v := range config.Fields {
		ctx = ctx.Str(k, v)
	}
	logger := ctx.Logger()
	if openErr != nil {
		logger.Warn().Err(openErr).Str("output", config.Output).Msg("Log output unavailable, using stderr")
	}

	log.Logger = logger
	return logger
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, err
	}
	return f, nil
}

// NewDefault is a JSON info logger on stdout.
func NewDefault() zerolog.Logger {
	return New(Config{Level: "info", Format: "json"})
}

// ParseLevel accepts zerolog level names and "warning". Anything else is info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func WithTraceID(logger zerolog.Logger, traceID string) zerolog.Logger {
	return logger.With().Str("trace_id", traceID).Logger()
}

func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithProtocol tags lines with the calling protocol (G2S, SAS, ...).
func WithProtocol(logger zerolog.Logger, protocol string) zerolog.Logger {
	return logger.With().Str("protocol", protocol).Logger()
}

// WithLevelKey tags lines with a LevelKey string.
func WithLevelKey(logger zerolog.Logger, key string) zerolog.Logger {
	return logger.With().Str("level_key", key).Logger()
}

func WithTransactionID(logger zerolog.Logger, id int64) zerolog.Logger {
	return logger.With().Int64("transaction_id", id).Logger()
}
