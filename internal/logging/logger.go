package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tunes log rotation. Zero values fall back to daily rotation and a
// week of retention.
type Options struct {
	RotationTime time.Duration
	MaxAge       time.Duration
	// Stderr receives the human readable copy; nil means os.Stderr.
	Stderr io.Writer
}

// New creates a zap logger that writes JSON to a rotating file at logPath
// (logPath.YYYYMMDD with logPath as a symlink to the current one) and a
// console copy to stderr. Device name and PID are included as initial fields.
func New(logPath, device string, opts Options) (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, nil, err
	}
	if opts.RotationTime <= 0 {
		opts.RotationTime = 24 * time.Hour
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	writer, err := rotatelogs.New(
		logPath+".%Y%m%d",
		rotatelogs.WithLinkName(logPath),
		rotatelogs.WithRotationTime(opts.RotationTime),
		rotatelogs.WithMaxAge(opts.MaxAge),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open log writer: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), zapcore.InfoLevel)
	stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(opts.Stderr), zapcore.InfoLevel)

	logger := zap.New(zapcore.NewTee(fileCore, stderrCore),
		zap.Fields(
			zap.String("device", device),
			zap.Int("pid", os.Getpid()),
		),
	)
	return logger, writer, nil
}
