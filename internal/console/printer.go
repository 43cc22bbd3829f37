package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Printer writes console events as indented text. It backs the managed
// task command, which runs without an API to post to.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	depth int
	group bool
	cmd   bool
}

// NewPrinter 建立文字輸出主控台
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, "%s%s\n", strings.Repeat("  ", p.depth), fmt.Sprintf(format, args...))
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// OpenGroup prints a group header.
func (p *Printer) OpenGroup(name string) (string, error) {
	return p.OpenGroupShown(name, true)
}

// OpenGroupShown prints a group header; shown is ignored.
func (p *Printer) OpenGroupShown(name string, shown bool) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// 未關閉的 group/cmd 不補印結束行
	p.cmd = false
	p.depth = 0
	p.line("== %s", name)
	p.group = true
	p.depth = 1
	return name, nil
}

// CloseGroup closes the open group.
func (p *Printer) CloseGroup(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCommandLocked(ok)
	p.closeGroupLocked(ok)
}

func (p *Printer) closeGroupLocked(ok bool) {
	if !p.group {
		return
	}
	p.depth = 0
	p.line("== %s", status(ok))
	p.group = false
}

// OpenCommand prints a command header.
func (p *Printer) OpenCommand(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd {
		p.depth--
	}
	p.line("$ %s", name)
	p.cmd = true
	p.depth++
	return name, nil
}

// CloseCommand closes the open command.
func (p *Printer) CloseCommand(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCommandLocked(ok)
}

func (p *Printer) closeCommandLocked(ok bool) {
	if !p.cmd {
		return
	}
	p.depth--
	if !ok {
		p.line("(failed)")
	}
	p.cmd = false
}

// PublishMessage prints text at the current depth.
func (p *Printer) PublishMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.line("%s", text)
}
