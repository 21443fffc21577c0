package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	color2 "github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
)

var Default = New(os.Stderr, true)

var bold = color2.New(color2.Bold)

// Colors mapping.
var Colors = [...]*color2.Color{
	log.DebugLevel: color2.New(color2.FgWhite),
	log.InfoLevel:  color2.New(color2.FgBlue),
	log.WarnLevel:  color2.New(color2.FgYellow),
	log.ErrorLevel: color2.New(color2.FgRed),
	log.FatalLevel: color2.New(color2.FgRed),
}

// Strings mapping.
var Strings = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  " INFO",
	log.WarnLevel:  " WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// Handler implementation.
type Handler struct {
	mu     sync.Mutex
	Writer io.Writer
}

// New returns a new handler writing to w. Color escapes are stripped from the
// output when useColors is false, so file logs stay readable.
func New(w io.Writer, useColors bool) *Handler {
	if useColors {
		if f, ok := w.(*os.File); ok {
			return &Handler{Writer: colorable.NewColorable(f)}
		}
		return &Handler{Writer: w}
	}
	return &Handler{Writer: colorable.NewNonColorable(w)}
}

type tracer interface {
	StackTrace() errors.StackTrace
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	color := Colors[e.Level]
	level := Strings[e.Level]
	names := e.Fields.Names()

	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = color.Fprintf(h.Writer, "%s: [%s] %s", bold.Sprintf("%6s", level), time.Now().Format(time.StampMilli), e.Message)

	for _, name := range names {
		if name == "source" || name == "error" {
			continue
		}
		_, _ = fmt.Fprintf(h.Writer, " %s=%v", color.Sprint(name), e.Fields.Get(name))
	}

	_, _ = fmt.Fprintln(h.Writer)

	// When the error being output includes a stack trace, print that out
	// below the message so the context is not lost to a one-line summary.
	if err, ok := e.Fields.Get("error").(error); ok {
		formatted := fmt.Sprintf("\n%s\n%+v\n\n", color2.RedString("Stacktrace:"), getErrorStack(err, false))
		_, _ = fmt.Fprint(h.Writer, formatted)
	} else if s, ok := e.Fields.Get("error").(string); ok {
		_, _ = fmt.Fprintf(h.Writer, " %s=%v\n", color.Sprint("error"), s)
	}

	return nil
}

func getErrorStack(err error, i bool) errors.StackTrace {
	e, ok := err.(tracer)
	if !ok {
		if i {
			// Just abort out of this and return a stacktrace leading up to this
			// point, it isn't perfect but it is better than crashing the handler.
			return errors.WithStack(err).(tracer).StackTrace()
		}
		return getErrorStack(errors.WithStack(err), true)
	}
	st := e.StackTrace()
	l := len(st)
	// If this was an internally generated stack we don't want the last two
	// frames, they are just the wrapping calls made above.
	if i {
		l = l - 2
	}
	f := make(errors.StackTrace, l)
	copy(f, st[:l])
	return f
}
