package logger

import (
	"regexp"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const colorConsoleEncoding = "color-console"

var (
	registerOnce sync.Once
	bufferPool   = buffer.NewPool()

	jsonToken = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

	keyColor    = color.New(color.FgBlue)
	stringColor = color.New(color.FgGreen)
	boolColor   = color.New(color.FgYellow)
	nullColor   = color.New(color.Faint)
	numberColor = color.New(color.FgMagenta)
)

func registerColorEncoder() {
	registerOnce.Do(func() {
		_ = zap.RegisterEncoder(colorConsoleEncoding, func(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
			return NewColoredConsoleEncoder(cfg), nil
		})
	})
}

// coloredConsoleEncoder wraps zap's console encoder and highlights the
// trailing JSON field blob.
type coloredConsoleEncoder struct {
	zapcore.Encoder
}

func NewColoredConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &coloredConsoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c *coloredConsoleEncoder) Clone() zapcore.Encoder {
	return &coloredConsoleEncoder{Encoder: c.Encoder.Clone()}
}

func (c *coloredConsoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := c.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}

	line := buf.String()
	// console encoder separates metadata from the field blob with a tab
	idx := strings.Index(line, "\t{")
	if idx == -1 {
		return buf, nil
	}

	out := bufferPool.Get()
	out.AppendString(line[:idx+1])
	out.AppendString(highlightJSON(line[idx+1:]))
	buf.Free()

	return out, nil
}

func highlightJSON(s string) string {
	if color.NoColor {
		return s
	}
	return jsonToken.ReplaceAllStringFunc(s, func(token string) string {
		switch {
		case strings.HasSuffix(token, ":"):
			return keyColor.Sprint(token[:len(token)-1]) + ":"
		case strings.HasPrefix(token, `"`):
			return stringColor.Sprint(token)
		case token == "true" || token == "false":
			return boolColor.Sprint(token)
		case token == "null":
			return nullColor.Sprint(token)
		default:
			return numberColor.Sprint(token)
		}
	})
}
