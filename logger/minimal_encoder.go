package logger

import (
	"fmt"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// newMinimalEncoder builds a calm, single-line console encoder for local
// and TEST-environment runs: "15:04:05 INFO  message  key=value key=value".
func newMinimalEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeLevel:    minimalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &minimalEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func minimalLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO ")
	case zapcore.WarnLevel:
		enc.AppendString("WARN ")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	default:
		enc.AppendString(l.CapitalString())
	}
}

// minimalEncoder wraps the stock console encoder to append structured
// fields as trailing key=value pairs instead of a nested JSON blob, which
// keeps single-session log streams readable during local development.
type minimalEncoder struct {
	zapcore.Encoder
}

func (e *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{Encoder: e.Encoder.Clone()}
}

func (e *minimalEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line, err := e.Encoder.EncodeEntry(entry, nil)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return line, nil
	}
	// Trim the trailing newline the console encoder appended so fields land
	// on the same line.
	b := line.Bytes()
	if n := len(b); n > 0 && b[n-1] == '\n' {
		line.Reset()
		line.Write(b[:n-1])
	}
	for _, f := range fields {
		line.AppendString(" ")
		line.AppendString(f.Key)
		line.AppendString("=")
		fmt.Fprintf(line, "%v", fieldValue(f))
	}
	line.AppendString("\n")
	return line, nil
}

func fieldValue(f zapcore.Field) interface{} {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.Int32Type, zapcore.Int64Type, zapcore.Int16Type, zapcore.Int8Type:
		return f.Integer
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return err.Error()
		}
		return f.Interface
	default:
		if f.Interface != nil {
			return f.Interface
		}
		return f.Integer
	}
}
