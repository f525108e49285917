package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// InitLogger 初始化全局 logrus，服务通过 logrus.StandardLogger() 共享同一实例
func InitLogger(cfg *Config) error {
	return ConfigureLogger(logrus.StandardLogger(), cfg.Log)
}

// ConfigureLogger applies level, format and output of lc to l.
func ConfigureLogger(l *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		l.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	out, err := logOutput(lc)
	if err != nil {
		return err
	}
	l.SetOutput(out)

	l.Infof("Logger initialized - Level: %s, Format: %s, Output: %s", lc.Level, lc.Format, lc.Output)
	return nil
}

func logOutput(lc LogConfig) (io.Writer, error) {
	switch strings.ToLower(lc.Output) {
	case "file":
		return rotatingFile(lc)
	case "both":
		// 同时输出到控制台和文件
		f, err := rotatingFile(lc)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stdout, f), nil
	default:
		return os.Stdout, nil
	}
}

func rotatingFile(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,    // MB
		MaxBackups: lc.MaxBackups, // 保留文件数
		MaxAge:     lc.MaxAge,     // 保留天数
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
