// Package log provides leveled, contextual logging in the style used
// throughout the client: a Logger carries a fixed key/value context and
// every call site adds its own pairs on top of it.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Lvl is a logging level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlTrace:
		return "trce"
	case LvlDebug:
		return "dbug"
	case LvlInfo:
		return "info"
	case LvlWarn:
		return "warn"
	case LvlError:
		return "eror"
	case LvlCrit:
		return "crit"
	default:
		return "unkn"
	}
}

// Record is a single log event handed to a Handler.
type Record struct {
	Time time.Time
	Lvl  Lvl
	Msg  string
	Ctx  []interface{}
	Call stack.Call
}

// Handler writes a Record somewhere.
type Handler interface {
	Log(r *Record) error
}

// Logger writes key/value pairs to a Handler.
type Logger interface {
	New(ctx ...interface{}) Logger
	SetHandler(h Handler)

	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *swapHandler
}

// swapHandler lets SetHandler replace a handler that is already in use
// from other goroutines without a data race.
type swapHandler struct {
	mu sync.RWMutex
	h  Handler
}

func (s *swapHandler) Log(r *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.Log(r)
}

func (s *swapHandler) Swap(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *swapHandler) Get() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

// New returns a new Logger with the given context, as a child of the root
// logger: it starts out with the root logger's current handler.
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

func (l *logger) New(ctx ...interface{}) Logger {
	child := &logger{ctx: newContext(l.ctx, ctx), h: new(swapHandler)}
	child.h.Swap(l.h.Get())
	return child
}

func newContext(prefix, suffix []interface{}) []interface{} {
	n := normalize(suffix)
	out := make([]interface{}, 0, len(prefix)+len(n))
	out = append(out, prefix...)
	out = append(out, n...)
	return out
}

func normalize(ctx []interface{}) []interface{} {
	if len(ctx)%2 != 0 {
		ctx = append(ctx, nil, "LOG_ERROR", "normalized odd number of arguments")
	}
	return ctx
}

func (l *logger) SetHandler(h Handler) { l.h.Swap(h) }

func (l *logger) write(msg string, lvl Lvl, ctx []interface{}) {
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  newContext(l.ctx, ctx),
		Call: stack.Caller(2),
	}
	l.h.Log(r)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(msg, LvlTrace, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(msg, LvlDebug, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(msg, LvlInfo, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(msg, LvlWarn, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(msg, LvlError, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(msg, LvlCrit, ctx)
	os.Exit(1)
}

var root = &logger{h: &swapHandler{h: DiscardHandler()}}

// Root returns the root logger. Packages that want to be testable take a
// Logger as a dependency instead of calling the package-level functions
// below, which all delegate to Root().
func Root() Logger { return root }

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }

// StreamHandler writes log records to w, one line at a time, through fmtr.
func StreamHandler(w *os.File, fmtr func(*Record) []byte) Handler {
	return &streamHandler{w: w, fmtr: fmtr}
}

type streamHandler struct {
	mu   sync.Mutex
	w    *os.File
	fmtr func(*Record) []byte
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.fmtr(r))
	return err
}

// DiscardHandler discards every record; it is the default handler so that
// packages never panic on a nil handler before SetHandler is called.
func DiscardHandler() Handler { return discard{} }

type discard struct{}

func (discard) Log(*Record) error { return nil }

// TerminalFormat renders a Record the way a developer console expects:
// timestamp, bracketed level, aligned message and call site, then
// "key=value" context pairs.
func TerminalFormat() func(*Record) []byte {
	return func(r *Record) []byte {
		var b strings.Builder
		fmt.Fprintf(&b, "%s[%s] %-40s %-36s", r.Time.Format("15:04:05.000"), strings.ToUpper(r.Lvl.String()), r.Msg, fmt.Sprintf("%+v", r.Call))
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, " %v=%v", r.Ctx[i], r.Ctx[i+1])
		}
		b.WriteByte('\n')
		return []byte(b.String())
	}
}

func init() {
	root.SetHandler(StreamHandler(os.Stderr, TerminalFormat()))
}
