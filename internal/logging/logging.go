// Package logging builds the single *zap.Logger every component shares,
// writing through a rotating file the same way the decred/lnd lineage
// pairs zap with jrick/logrotate.
package logging

import (
	"fmt"
	"os"

	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-leveled logger that writes to both stderr and a
// rotating file at path.
func New(path string, maxSizeMB int) (*zap.Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 64
	}
	rot, err := rotator.New(path, uint32(maxSizeMB*1024), false, 3)
	if err != nil {
		return nil, fmt.Errorf("logging: open rotator at %s: %w", path, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rot), zap.InfoLevel)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), zap.InfoLevel)

	core := zapcore.NewTee(fileCore, consoleCore)
	return zap.New(core, zap.AddCaller()), nil
}
