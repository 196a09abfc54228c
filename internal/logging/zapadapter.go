package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapCore forwards zap entries to a Logger so that components written
// against *zap.Logger (the sqlite store) share the process log stream.
type zapCore struct {
	logger *Logger
}

// NewZapLogger wraps logger in a *zap.Logger.
func NewZapLogger(logger *Logger) *zap.Logger {
	return zap.New(&zapCore{logger: logger})
}

func levelFromZap(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.FatalLevel:
		return FatalLevel
	default:
		// Error, DPanic and Panic all surface as errors.
		return ErrorLevel
	}
}

func fieldsFromZap(fields []zapcore.Field) Fields {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	out := make(Fields, len(enc.Fields))
	for k, v := range enc.Fields {
		out[k] = v
	}
	return out
}

func (c *zapCore) Enabled(level zapcore.Level) bool {
	return c.logger.Enabled(levelFromZap(level))
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	return &zapCore{logger: c.logger.With(fieldsFromZap(fields))}
}

func (c *zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	c.logger.log(levelFromZap(ent.Level), ent.Message, []Fields{fieldsFromZap(fields)})
	return nil
}

func (c *zapCore) Sync() error { return nil }
