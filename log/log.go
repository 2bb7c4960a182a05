// Package log is a minimal structured, leveled logger modeled on the
// key/value style turbo-geth's log package exposes over log15.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LvlError Level = iota
	LvlWarn
	LvlInfo
	LvlDebug
)

func (l Level) String() string {
	switch l {
	case LvlError:
		return "eror"
	case LvlWarn:
		return "warn"
	case LvlInfo:
		return "info"
	case LvlDebug:
		return "dbug"
	default:
		return fmt.Sprintf("lvl(%d)", int(l))
	}
}

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	minLvl           = LvlInfo
)

// SetOutput redirects all log output; used by tests to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLevel sets the minimum level that is actually written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = l
}

// Logger carries bound context emitted with every call, the way
// log.New("database", "in-memory") binds a field in turbo-geth.
type Logger struct {
	ctx []interface{}
}

// New returns a Logger with ctx (alternating key, value, ...) bound to
// every subsequent call.
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: ctx}
}

func (lg *Logger) with(extra ...interface{}) []interface{} {
	if len(lg.ctx) == 0 {
		return extra
	}
	all := make([]interface{}, 0, len(lg.ctx)+len(extra))
	all = append(all, lg.ctx...)
	all = append(all, extra...)
	return all
}

func (lg *Logger) Error(msg string, ctx ...interface{}) { write(LvlError, msg, lg.with(ctx...)) }
func (lg *Logger) Warn(msg string, ctx ...interface{})  { write(LvlWarn, msg, lg.with(ctx...)) }
func (lg *Logger) Info(msg string, ctx ...interface{})  { write(LvlInfo, msg, lg.with(ctx...)) }
func (lg *Logger) Debug(msg string, ctx ...interface{}) { write(LvlDebug, msg, lg.with(ctx...)) }

// New binds additional context on top of lg's, returning a child logger.
func (lg *Logger) New(ctx ...interface{}) *Logger {
	return &Logger{ctx: lg.with(ctx...)}
}

// Package-level shorthands write to the default (unbound) logger.
func Error(msg string, ctx ...interface{}) { write(LvlError, msg, ctx) }
func Warn(msg string, ctx ...interface{})  { write(LvlWarn, msg, ctx) }
func Info(msg string, ctx ...interface{})  { write(LvlInfo, msg, ctx) }
func Debug(msg string, ctx ...interface{}) { write(LvlDebug, msg, ctx) }

func write(lvl Level, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLvl {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000-0700")
	fmt.Fprintf(out, "%s [%s] %s", ts, lvl, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(out, " %v=%v", ctx[i], ctx[i+1])
	}
	fmt.Fprintln(out)
}
