package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

var (
	idColor   = color.New(color.FgGreen).SprintfFunc()
	flagColor = color.New(color.FgHiBlue).SprintfFunc()
	dataColor = color.New(color.FgYellow).SprintfFunc()
)

// formatFrame renders one line: time || id || flags || len || hex payload.
func formatFrame(at time.Time, f can.Frame) string {
	var out strings.Builder
	out.WriteString(at.Format("15:04:05.00000"))
	out.WriteString(" || ")
	if f.Extended() {
		out.WriteString(idColor("0x%08X", f.ID()))
	} else {
		out.WriteString(idColor("0x%03X     ", f.ID()))
	}
	out.WriteString(" || ")
	var flags []string
	if f.Extended() {
		flags = append(flags, "ext")
	}
	if f.Remote() {
		flags = append(flags, "rtr")
	}
	out.WriteString(flagColor("%-7s", strings.Join(flags, ",")))
	out.WriteString(" || ")
	fmt.Fprintf(&out, "%d || ", f.Len())
	if f.Remote() {
		return out.String()
	}
	hex := make([]string, 0, f.Len())
	for _, b := range f.Data() {
		hex = append(hex, fmt.Sprintf("%02X", b))
	}
	out.WriteString(dataColor("%s", strings.Join(hex, " ")))
	return out.String()
}

// runDump prints frames until ctx is done or max frames were shown (max <= 0
// means no limit).
func runDump(ctx context.Context, bus Bus, max int, w io.Writer) (int, error) {
	n := 0
	for max <= 0 || n < max {
		f, err := bus.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return n, err
		}
		fmt.Fprintln(w, formatFrame(time.Now(), f))
		n++
	}
	fmt.Fprintf(w, "Received %d frames\n", n)
	return n, nil
}
