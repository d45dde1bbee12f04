package observability

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// Keys every component uses when logging on behalf of a run.
const (
	FieldRunID = "run_id"
	FieldStep  = "step"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const ansiReset = "\x1b[0m"

var ansiColors = map[string]string{
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// RunID tags a log line with the run it belongs to.
func RunID(id string) zap.Field { return zap.String(FieldRunID, id) }

// Step tags a log line with the loop iteration that produced it.
func Step(n int) zap.Field { return zap.Int(FieldStep, n) }

// ForRun returns a child logger tagged with a run id.
func ForRun(base *zap.Logger, runID string) *zap.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.With(RunID(runID))
}

// Initialize builds the CLI logger once. Console output goes to consoleWriter;
// when a log file is configured a JSON copy is written there with rotation.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		globalLogger.Store(build(cfg, consoleWriter))
	})
}

// InitializeLogger initializes the logger on stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears the global logger so a test can initialize its own.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

func build(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, level)}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(baseEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)
}

func baseEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return ec
}

// newEncoder returns the JSON encoder, or for the console format a colorized
// single line encoder that prints the run and step as a prefix tag.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := baseEncoderConfig()
	if cfg.Format != "console" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = levelColors(cfg.Colors)
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return &runEncoder{Encoder: zapcore.NewConsoleEncoder(ec)}
}

func levelColors(c config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel: ansiColors[c.Debug],
		zapcore.InfoLevel:  ansiColors[c.Info],
		zapcore.WarnLevel:  ansiColors[c.Warn],
		zapcore.ErrorLevel: ansiColors[c.Error],
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		color, ok := byLevel[l]
		if !ok {
			color = byLevel[zapcore.ErrorLevel]
		}
		if color == "" {
			enc.AppendString(l.CapitalString())
			return
		}
		enc.AppendString(color + l.CapitalString() + ansiReset)
	}
}

// runEncoder keeps the run id and step out of the console field blob and
// renders them as "[<run>#<step>]" in front of the message.
type runEncoder struct {
	zapcore.Encoder
	runID   string
	step    int64
	hasStep bool
}

func (e *runEncoder) AddString(key, val string) {
	if key == FieldRunID {
		e.runID = val
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *runEncoder) AddInt64(key string, val int64) {
	if key == FieldStep {
		e.step, e.hasStep = val, true
		return
	}
	e.Encoder.AddInt64(key, val)
}

func (e *runEncoder) Clone() zapcore.Encoder {
	return &runEncoder{Encoder: e.Encoder.Clone(), runID: e.runID, step: e.step, hasStep: e.hasStep}
}

func (e *runEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	runID, step, hasStep := e.runID, e.step, e.hasStep
	rest := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		switch {
		case f.Key == FieldRunID && f.Type == zapcore.StringType:
			runID = f.String
		case f.Key == FieldStep && f.Type == zapcore.Int64Type:
			step, hasStep = f.Integer, true
		default:
			rest = append(rest, f)
		}
	}
	if tag := runTag(runID, step, hasStep); tag != "" {
		ent.Message = tag + " " + ent.Message
	}
	return e.Encoder.EncodeEntry(ent, rest)
}

func runTag(runID string, step int64, hasStep bool) string {
	switch {
	case runID == "" && !hasStep:
		return ""
	case !hasStep:
		return "[" + runID + "]"
	default:
		return "[" + runID + "#" + strconv.FormatInt(step, 10) + "]"
	}
}

// GetLogger returns the CLI logger, or a no-op logger before Initialize.
func GetLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Sync flushes the CLI logger. Terminals reject fsync on stdout, so the
// error is dropped.
func Sync() {
	if l := globalLogger.Load(); l != nil {
		_ = l.Sync()
	}
}
