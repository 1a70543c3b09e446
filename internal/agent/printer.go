package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Printer sends a staged local file to a physical or virtual printer.
type Printer interface {
	Print(ctx context.Context, file, title string) error
}

// PrinterFunc adapts a function to Printer.
type PrinterFunc func(ctx context.Context, file, title string) error

func (f PrinterFunc) Print(ctx context.Context, file, title string) error {
	return f(ctx, file, title)
}

// LPPrinter submits files to CUPS with lp.
type LPPrinter struct {
	Destination string
	// Command defaults to "lp".
	Command string
}

func NewLPPrinter(destination string) *LPPrinter {
	return &LPPrinter{Destination: destination, Command: "lp"}
}

func (p *LPPrinter) Print(ctx context.Context, file, title string) error {
	command := p.Command
	if command == "" {
		command = "lp"
	}

	cmd := exec.CommandContext(ctx, command, "-d", p.Destination, "-t", title, file)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s -d %s: %w", command, p.Destination, err)
		}
		return fmt.Errorf("%s -d %s: %w: %s", command, p.Destination, err, msg)
	}
	return nil
}

// SpoolPrinter copies each file into Dir. It stands in for a printer on dev machines.
type SpoolPrinter struct {
	Dir string
}

func (p *SpoolPrinter) Print(ctx context.Context, file, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}

	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer src.Close()

	name := fmt.Sprintf("%s-%d%s", title, time.Now().UnixNano(), filepath.Ext(file))
	dst, err := os.Create(filepath.Join(p.Dir, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
