package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Logger is a key/value structured logger that redacts credentials before they reach the sink.
type Logger struct {
	sugar  *zap.SugaredLogger
	redact bool
}

// New builds a logger. mode is "prod" for JSON output, anything else for console output.
func New(mode, level string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production", "json":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	// CLI output goes to stdout; keep logs off it.
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: z.Sugar(), redact: true}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger, mainly for tests using zaptest/observer.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar(), redact: true}
}

func (l *Logger) Sync() {
	if l == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.sugar.Debugw(msg, l.sanitize(kv)...)
}

func (l *Logger) Info(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.sugar.Infow(msg, l.sanitize(kv)...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.sugar.Warnw(msg, l.sanitize(kv)...)
}

func (l *Logger) Error(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.sugar.Errorw(msg, l.sanitize(kv)...)
}

// With returns a child logger carrying kv on every entry.
func (l *Logger) With(kv ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.With(l.sanitize(kv)...), redact: l.redact}
}

// Printf lets the logger stand in where a *log.Logger style sink is expected.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) sanitize(kv []any) []any {
	if !l.redact || len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := fmt.Sprint(kv[i])
		out = append(out, key, redactValue(strings.ToLower(key), kv[i+1]))
	}
	return out
}

func redactValue(key string, val any) any {
	if isSecretKey(key) {
		return "[REDACTED]"
	}
	if s, ok := val.(string); ok && looksLikeJWT(s) {
		return "[REDACTED]"
	}
	return val
}

func isSecretKey(key string) bool {
	for _, frag := range []string{"token", "authorization", "secret", "password", "api_key", "apikey", "email"} {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[0]) > 10 && len(parts[1]) > 10
}
