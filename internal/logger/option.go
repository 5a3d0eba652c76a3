package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelCore overrides the level check of the wrapped core.
type levelCore struct {
	zapcore.Core

	level zapcore.LevelEnabler
}

// Enabled reports whether the override level lets l through.
func (c *levelCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l)
}

// Check adds the core when the entry passes the override level.
//
//nolint:gocritic // AddCore requires ent to be passed by value.
func (c *levelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}

	return ce.AddCore(ent, c)
}

// With keeps the override level on derived cores.
//
//nolint:ireturn,nolintlint // Returning zapcore.Core is intended for zap integration.
func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), level: c.level}
}

// WithLevel replaces the level of the logger it is applied to.
//
//nolint:ireturn,nolintlint // Returning zap.Option is intended for zap integration.
func WithLevel(lvl zapcore.LevelEnabler) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &levelCore{Core: core, level: lvl}
	})
}

// WithService stamps every entry with the binary name and its build version.
//
//nolint:ireturn,nolintlint // Returning zap.Option is intended for zap integration.
func WithService(name, build string) zap.Option {
	return zap.Fields(
		zap.String("service", name),
		zap.String("version", build),
	)
}
