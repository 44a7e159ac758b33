// Package logging provides the slog handler used by the command line.
//
// Records are rendered as terse text lines on a terminal stream. Level
// labels are coloured with fatih/color when the stream is a terminal. Verbose
// mode prefixes every line with a timestamp.
//
// A [Handler] starts out buffering: records logged before the command line
// has been parsed are held and written by [Handler.Flush] once the final
// level, stream, and formatting are known. Records below the final level are
// dropped at flush time.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Text handler with deferred configuration.
//
// Handlers derived with WithAttrs and WithGroup share the configuration and
// buffer of the handler they came from.
type Handler struct {
	state  *state
	attrs  []boundAttr
	groups []string
}

// An attribute together with the groups open when it was added.
type boundAttr struct {
	groups []string
	attr   slog.Attr
}

// Configuration and output state shared by derived handlers.
type state struct {
	mu        sync.Mutex
	level     slog.LevelVar
	writer    io.Writer
	verbose   bool
	colors    map[slog.Level]*color.Color
	buffering bool
	pending   []pendingRecord
}

type pendingRecord struct {
	handler *Handler
	record  slog.Record
}

// Creates a buffering handler writing to stderr at info level.
func NewHandler() *Handler {
	s := &state{
		writer:    os.Stderr,
		buffering: true,
		colors: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgHiBlack),
			slog.LevelInfo:  color.New(color.FgCyan),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed, color.Bold),
		},
	}
	s.setColor(false)
	return &Handler{state: s}
}

// Sets the minimum level of records written.
func (h *Handler) SetLevel(level slog.Level) {
	h.state.level.Set(level)
}

// Returns the minimum level of records written.
func (h *Handler) Level() slog.Level {
	return h.state.level.Level()
}

// Sets the output stream.
func (h *Handler) SetStream(w io.Writer) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.writer = w
}

// Enables timestamps on every line.
func (h *Handler) SetVerbose(verbose bool) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.verbose = verbose
}

// Enables or disables coloured level labels.
func (h *Handler) SetColor(enabled bool) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.setColor(enabled)
}

func (s *state) setColor(enabled bool) {
	for _, c := range s.colors {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// Writes buffered records that pass the current level and stops buffering.
func (h *Handler) Flush() error {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	s.buffering = false

	for _, p := range pending {
		if p.record.Level < s.level.Level() {
			continue
		}
		if err := p.handler.write(p.record); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffering || level >= s.level.Level()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffering {
		s.pending = append(s.pending, pendingRecord{handler: h, record: record.Clone()})
		return nil
	}
	return h.write(record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := append([]boundAttr(nil), h.attrs...)
	for _, a := range attrs {
		bound = append(bound, boundAttr{groups: h.groups, attr: a})
	}
	return &Handler{
		state:  h.state,
		attrs:  bound,
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		state:  h.state,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

// Formats and writes a record. The caller holds the state lock.
func (h *Handler) write(record slog.Record) error {
	s := h.state

	var b strings.Builder
	if s.verbose {
		ts := record.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		b.WriteString(ts.UTC().Format(time.RFC3339))
		b.WriteByte(' ')
	}

	b.WriteString(s.label(record.Level))
	b.WriteByte(' ')
	b.WriteString(record.Message)

	for _, ba := range h.attrs {
		appendAttr(&b, ba.groups, ba.attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.groups, attr)
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(s.writer, b.String())
	return err
}

// Returns the coloured, fixed-width level label.
func (s *state) label(level slog.Level) string {
	text := fmt.Sprintf("%-5s", level.String())

	c, ok := s.colors[level]
	if !ok {
		switch {
		case level >= slog.LevelError:
			c = s.colors[slog.LevelError]
		case level >= slog.LevelWarn:
			c = s.colors[slog.LevelWarn]
		case level >= slog.LevelInfo:
			c = s.colors[slog.LevelInfo]
		default:
			c = s.colors[slog.LevelDebug]
		}
	}
	return c.Sprint(text)
}

func appendAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, a := range value.Group() {
			appendAttr(b, nested, a)
		}
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if s == "" || strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return strconv.Quote(err.Error())
		}
		if ss, ok := value.Any().([]string); ok {
			return "[" + strings.Join(ss, " ") + "]"
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}
