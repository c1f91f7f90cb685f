// Package logging provides the slog handler used by the server and client
// binaries: one colored line per record, attributes as key=value pairs.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

var levelColors = map[slog.Level]func(...any) string{
	slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
	slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
	slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
	slog.LevelError: color.New(color.FgRed).SprintFunc(),
}

var (
	timeColor  = color.New(color.FgHiBlack).SprintFunc()
	fieldColor = color.New(color.FgHiBlack).SprintFunc()
)

// ParseLevel maps a level name from a flag or config file to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// New returns a logger writing colored lines to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(&lineHandler{
		writer: w,
		level:  level,
		mu:     &sync.Mutex{},
	})
}

type lineHandler struct {
	writer io.Writer
	level  slog.Level
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	buf.WriteString(timeColor(r.Time.Format(time.RFC3339)))
	buf.WriteByte(' ')
	levelStr := fmt.Sprintf("%-5s", strings.ToUpper(r.Level.String()))
	if colorFunc, ok := levelColors[r.Level]; ok {
		levelStr = colorFunc(levelStr)
	}
	buf.WriteString(levelStr)
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	prefix := strings.Join(h.groups, ".")
	for _, attr := range h.attrs {
		h.writeAttr(buf, prefix, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.writeAttr(buf, prefix, attr)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *lineHandler) writeAttr(buf *bytes.Buffer, prefix string, attr slog.Attr) {
	value := attr.Value.Resolve()
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if value.Kind() == slog.KindGroup {
		for _, groupAttr := range value.Group() {
			h.writeAttr(buf, key, groupAttr)
		}
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(fieldColor(fmt.Sprintf("%s=%v", key, value.Any())))
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &lineHandler{
		writer: h.writer,
		level:  h.level,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &lineHandler{
		writer: h.writer,
		level:  h.level,
		mu:     h.mu,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}
