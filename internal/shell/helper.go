package shell

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Helper prints coloured shell output. Device responses arrive from other
// goroutines, so writes are serialised.
type Helper struct {
	mu  sync.Mutex
	out io.Writer

	info    *color.Color
	success *color.Color
	warning *color.Color
	error   *color.Color
	device  *color.Color
}

func NewHelper(out io.Writer) *Helper {
	return &Helper{
		out:     out,
		info:    color.New(color.FgCyan),
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		error:   color.New(color.FgRed),
		device:  color.New(color.FgMagenta),
	}
}

func (h *Helper) Writer() io.Writer {
	return lockedWriter{h}
}

func (h *Helper) print(c *color.Color, format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c == nil {
		_, _ = fmt.Fprintf(h.out, format+"\n", args...)
		return
	}
	_, _ = c.Fprintf(h.out, format+"\n", args...)
}

func (h *Helper) Print(format string, args ...any)   { h.print(nil, format, args...) }
func (h *Helper) Info(format string, args ...any)    { h.print(h.info, format, args...) }
func (h *Helper) Success(format string, args ...any) { h.print(h.success, format, args...) }
func (h *Helper) Warning(format string, args ...any) { h.print(h.warning, format, args...) }
func (h *Helper) Error(format string, args ...any)   { h.print(h.error, format, args...) }

// Response prints a device response as "[id] text".
func (h *Helper) Response(sessionID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = h.device.Fprintf(h.out, "[%s]", sessionID)
	_, _ = fmt.Fprintf(h.out, " %s\n", text)
}

type lockedWriter struct {
	h *Helper
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.h.mu.Lock()
	defer w.h.mu.Unlock()
	return w.h.out.Write(p)
}
