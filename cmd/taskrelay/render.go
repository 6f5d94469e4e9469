package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskrelay/internal/client"
	"github.com/basket/taskrelay/internal/stream"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	bodyStyle     = lipgloss.NewStyle().PaddingLeft(2)
)

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer renders invocation output: styled on a terminal, one JSON object
// per line otherwise.
type printer struct {
	w      io.Writer
	styled bool
}

func (a *app) printer(w io.Writer) *printer {
	return &printer{w: w, styled: !a.asJSON && a.isTTY(w)}
}

func (p *printer) jsonLine(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(p.w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(p.w, string(b))
}

func (p *printer) event(ev stream.Event) {
	if !p.styled {
		p.jsonLine(ev)
		return
	}
	prefix := dimStyle.Render(fmt.Sprintf("#%02d", ev.Seq))
	switch ev.Kind {
	case stream.KindStart:
		fmt.Fprintf(p.w, "%s %s %s\n", prefix, titleStyle.Render(ev.Operation), dimStyle.Render(ev.InvocationID))
	case stream.KindProgress:
		fmt.Fprintf(p.w, "%s %s\n", prefix, progressStyle.Render(ev.Message))
	case stream.KindResult:
		fmt.Fprintf(p.w, "%s %s\n", prefix, okStyle.Render("done"))
	case stream.KindError:
		msg := "failed"
		if ev.Error != nil {
			msg = ev.Error.Kind + ": " + ev.Error.Message
		}
		fmt.Fprintf(p.w, "%s %s\n", prefix, errStyle.Render(msg))
	}
}

// result prints the final value of an invocation. On a terminal the event
// stream already announced completion, so only the body is shown.
func (p *printer) result(raw json.RawMessage) {
	if !p.styled {
		fmt.Fprintln(p.w, strings.TrimSpace(string(raw)))
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(p.w, string(raw))
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(p.w, bodyStyle.Render(string(b)))
}

func (p *printer) taskEvent(ev client.TaskEvent) {
	if !p.styled {
		p.jsonLine(ev)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", titleStyle.Render(ev.Topic), string(ev.Payload))
}

// check prints one doctor result line.
func (p *printer) check(status, name, message, detail string) {
	if !p.styled {
		p.jsonLine(map[string]string{"status": status, "name": name, "message": message, "detail": detail})
		return
	}
	var badge string
	switch status {
	case "PASS":
		badge = okStyle.Render("PASS")
	case "FAIL":
		badge = errStyle.Render("FAIL")
	case "WARN":
		badge = warnStyle.Render("WARN")
	default:
		badge = dimStyle.Render(status)
	}
	fmt.Fprintf(p.w, "%s %-15s %s\n", badge, name, message)
	if detail != "" {
		fmt.Fprintf(p.w, "     %s\n", dimStyle.Render(detail))
	}
}
