package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink receives formatted log entries from an embedding host, typically a
// device console or a serial port.
type LogSink interface {
	Log(level string, message string)
}

const defaultLogLevel = "info"

// ParseLevel maps a textual level to a zap level, defaulting to info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		level = defaultLogLevel
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}

// SetLogSink installs a logger that forwards entries at or above level to
// sink. Pass a nil sink to revert to zap's production logger. The level is
// shared with SetLevel.
func SetLogSink(sink LogSink, level string) error {
	minLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}
	_level.SetLevel(minLevel)

	if sink == nil {
		SetLogger(newProductionLogger())
		return nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""
	core := &sinkCore{
		LevelEnabler: _level,
		enc:          zapcore.NewConsoleEncoder(encCfg),
		sink:         sink,
	}
	SetLogger(zap.New(core))
	return nil
}

// sinkCore renders each entry with a console encoder, dropping the level and
// timestamp columns since the sink receives the level separately.
type sinkCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	sink LogSink
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &sinkCore{
		LevelEnabler: c.LevelEnabler,
		enc:          c.enc.Clone(),
		sink:         c.sink,
	}
	for _, field := range fields {
		field.AddTo(clone.enc)
	}
	return clone
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	message := strings.TrimSpace(buf.String())
	buf.Free()
	if message == "" {
		message = ent.Level.String()
	}
	c.sink.Log(ent.Level.String(), message)
	return nil
}

func (c *sinkCore) Sync() error { return nil }
