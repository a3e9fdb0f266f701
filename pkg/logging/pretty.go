// Package logging provides a colourised, human-oriented slog handler.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

type Options struct {
	Level      slog.Leveler
	Color      bool
	AddSource  bool
	TimeFormat string
}

func DefaultOptions() *Options {
	return &Options{
		Level:      slog.LevelInfo,
		Color:      true,
		TimeFormat: "15:04:05.000",
	}
}

type palette struct {
	time, msg, key, source func(...any) string
	levels                 map[slog.Level]func(...any) string
}

func newPalette(enabled bool) *palette {
	if !enabled {
		plain := fmt.Sprint
		return &palette{
			time: plain, msg: plain, key: plain, source: plain,
			levels: map[slog.Level]func(...any) string{},
		}
	}

	return &palette{
		time:   color.New(color.FgHiBlack).SprintFunc(),
		msg:    color.New(color.FgHiWhite).SprintFunc(),
		key:    color.New(color.FgCyan).SprintFunc(),
		source: color.New(color.FgHiBlack).SprintFunc(),
		levels: map[slog.Level]func(...any) string{
			slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
			slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
			slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
			slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
		},
	}
}

// PrettyHandler writes one line per record:
//
//	15:04:05.000 INFO  message key=value other.key="quoted value"
//
// Attributes added through WithAttrs are rendered once and reused.
type PrettyHandler struct {
	opts   Options
	w      io.Writer
	mu     *sync.Mutex
	colors *palette

	prefix string
	pre    []byte
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.TimeFormat == "" {
		o.TimeFormat = DefaultOptions().TimeFormat
	}

	return &PrettyHandler{
		opts:   o,
		w:      w,
		mu:     &sync.Mutex{},
		colors: newPalette(o.Color),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if !r.Time.IsZero() {
		buf.WriteString(h.colors.time(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}

	buf.WriteString(h.level(r.Level))
	buf.WriteByte(' ')

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			src := filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
			buf.WriteString(h.colors.source(src))
			buf.WriteByte(' ')
		}
	}

	buf.WriteString(h.colors.msg(r.Message))
	buf.Write(h.pre)

	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	var buf bytes.Buffer
	for _, a := range attrs {
		h.appendAttr(&buf, h.prefix, a)
	}

	next := *h
	next.pre = append(append([]byte(nil), h.pre...), buf.Bytes()...)
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *PrettyHandler) level(l slog.Level) string {
	s := fmt.Sprintf("%-5s", l.String())
	if paint, ok := h.colors.levels[l]; ok {
		return paint(s)
	}
	return s
}

func (h *PrettyHandler) appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			h.appendAttr(buf, p, ga)
		}
		return
	}

	buf.WriteByte(' ')
	buf.WriteString(h.colors.key(prefix + a.Key + "="))
	buf.WriteString(quote(h.format(v)))
}

func (h *PrettyHandler) format(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.String()
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
