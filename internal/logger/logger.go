package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 全局日志接口，键值对形式附加字段
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
}

type zlogger struct {
	l zerolog.Logger
}

// Options 日志输出选项
type Options struct {
	Level   string   // debug / info / warn / error
	Writers []string // console / file
	File    string   // file writer 的目标路径
}

// New 按选项创建 zerolog 实现，file writer 经 lumberjack 滚动
func New(opts Options) Logger {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var ws []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			ws = append(ws, zerolog.ConsoleWriter{Out: os.Stdout})
		case "file":
			if opts.File != "" {
				ws = append(ws, &lumberjack.Logger{
					Filename:   opts.File,
					MaxSize:    50, // MB
					MaxBackups: 3,
					MaxAge:     7, // days
				})
			}
		}
	}
	if len(ws) == 0 {
		ws = append(ws, zerolog.ConsoleWriter{Out: os.Stdout})
	}

	l := zerolog.New(zerolog.MultiLevelWriter(ws...)).Level(lvl).With().Timestamp().Logger()
	return &zlogger{l: l}
}

// NewNoop 创建丢弃所有输出的实现，用于测试与默认装配
func NewNoop() Logger {
	return &zlogger{l: zerolog.Nop()}
}

func (z *zlogger) Debug(msg string, kv ...any) { emit(z.l.Debug(), msg, kv) }
func (z *zlogger) Info(msg string, kv ...any)  { emit(z.l.Info(), msg, kv) }
func (z *zlogger) Warn(msg string, kv ...any)  { emit(z.l.Warn(), msg, kv) }
func (z *zlogger) Error(msg string, kv ...any) { emit(z.l.Error(), msg, kv) }

func (z *zlogger) Err(err error, msg string, kv ...any) {
	emit(z.l.Error().Err(err), msg, kv)
}

// emit 将键值对展开为结构化字段后输出
func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
