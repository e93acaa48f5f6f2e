package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(ctx zerolog.Context) zerolog.Context  { return ctx.Str(f.Key, f.Value) }
func (f StringField) applyEvent(e *zerolog.Event) *zerolog.Event { return e.Str(f.Key, f.Value) }

func (f IntField) apply(ctx zerolog.Context) zerolog.Context  { return ctx.Int(f.Key, f.Value) }
func (f IntField) applyEvent(e *zerolog.Event) *zerolog.Event { return e.Int(f.Key, f.Value) }

func (f BoolField) apply(ctx zerolog.Context) zerolog.Context  { return ctx.Bool(f.Key, f.Value) }
func (f BoolField) applyEvent(e *zerolog.Event) *zerolog.Event { return e.Bool(f.Key, f.Value) }

func (f DurationField) apply(ctx zerolog.Context) zerolog.Context { return ctx.Dur(f.Key, f.Value) }
func (f DurationField) applyEvent(e *zerolog.Event) *zerolog.Event {
	return e.Dur(f.Key, f.Value)
}

func (f TimeField) apply(ctx zerolog.Context) zerolog.Context  { return ctx.Time(f.Key, f.Value) }
func (f TimeField) applyEvent(e *zerolog.Event) *zerolog.Event { return e.Time(f.Key, f.Value) }

func (f ErrorField) apply(ctx zerolog.Context) zerolog.Context  { return ctx.Err(f.Value) }
func (f ErrorField) applyEvent(e *zerolog.Event) *zerolog.Event { return e.Err(f.Value) }

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	root       zerolog.Logger // without module and context fields
	logger     zerolog.Logger
	subsystem  string
	fields     []TypedField
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a new ZerologLogger. A nil config yields DefaultConfig.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			// the file always receives JSON, whatever the console format
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		zl = zl.With().CallerWithSkipFrameCount(4).Logger()
	}
	return newDerived(zl, config.Subsystem, nil, fileWriter)
}

func newDerived(root zerolog.Logger, subsystem string, fields []TypedField, fw *lumberjack.Logger) *ZerologLogger {
	ctx := root.With()
	if subsystem != "" {
		ctx = ctx.Str("module", subsystem)
	}
	for _, f := range fields {
		ctx = f.apply(ctx)
	}
	return &ZerologLogger{
		root:       root,
		logger:     ctx.Logger(),
		subsystem:  subsystem,
		fields:     fields,
		fileWriter: fw,
	}
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.applyEvent(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	module := name
	if zl.subsystem != "" {
		module = zl.subsystem + "." + name
	}
	return zl.withModule(module)
}

func (zl *ZerologLogger) WithSystem(name string) Logger {
	return zl.withModule(name)
}

func (zl *ZerologLogger) withModule(module string) Logger {
	return newDerived(zl.root, module, zl.fields, zl.fileWriter)
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	merged := make([]TypedField, 0, len(zl.fields)+len(fields))
	merged = append(merged, zl.fields...)
	merged = append(merged, fields...)
	return newDerived(zl.root, zl.subsystem, merged, zl.fileWriter)
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
