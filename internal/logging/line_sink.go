package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LineSink receives one formatted line per log entry.
type LineSink interface {
	AppendLog(line string)
}

// WithLineSink returns a logger that also writes every entry at or above
// level to sink as a single console-formatted line.
func WithLineSink(logger *zap.Logger, sink LineSink, level zapcore.LevelEnabler) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		return logger
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	lc := &lineCore{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(encCfg),
		sink:         sink,
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, lc)
	}))
}

type lineCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	sink LineSink
}

func (c *lineCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &lineCore{LevelEnabler: c.LevelEnabler, enc: clone, sink: c.sink}
}

func (c *lineCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *lineCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()
	c.sink.AppendLog(line)
	return nil
}

func (c *lineCore) Sync() error {
	return nil
}
