// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package output prints Gentoo style progress messages (" * message") and
// item listings.
package output

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

const (
	colorReset  = "\x1b[39;49;00m"
	colorGreen  = "\x1b[32;01m"
	colorYellow = "\x1b[33;01m"
	colorRed    = "\x1b[31;01m"
	colorTeal   = "\x1b[36;01m"
)

// Marks used for item listings.
const (
	MarkAdded   = "✓"
	MarkRemoved = "✗"
)

// Output writes progress messages to a writer.
//
// Quiet suppresses everything except errors.
type Output struct {
	w     io.Writer
	quiet bool
	color bool

	status *zap.Logger // " * message" lines
	plain  *zap.Logger // unprefixed lines
}

// New creates an Output writing to w. Colors are only used if w is a terminal.
func New(w io.Writer, quiet bool) *Output {
	return newOutput(w, quiet, isTerminal(w))
}

// Discard returns an Output dropping everything.
func Discard() *Output {
	return newOutput(io.Discard, true, false)
}

func newOutput(w io.Writer, quiet, color bool) *Output {
	ws := zapcore.Lock(zapcore.AddSync(w))

	level := zapcore.InfoLevel
	if quiet {
		level = zapcore.ErrorLevel
	}

	statusCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      starEncoder(color),
		ConsoleSeparator: " ",
		LineEnding:       zapcore.DefaultLineEnding,
	}
	plainCfg := zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	}

	return &Output{
		w:      w,
		quiet:  quiet,
		color:  color,
		status: zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(statusCfg), ws, level)),
		plain:  zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(plainCfg), ws, level)),
	}
}

func starEncoder(color bool) zapcore.LevelEncoder {
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if !color {
			enc.AppendString(" *")
			return
		}
		c := colorGreen
		switch {
		case l >= zapcore.ErrorLevel:
			c = colorRed
		case l == zapcore.WarnLevel:
			c = colorYellow
		}
		enc.AppendString(" " + c + "*" + colorReset)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

// Quiet reports whether informational output is suppressed.
func (o *Output) Quiet() bool { return o.quiet }

// Writer returns the writer subprocess output should go to: the underlying
// writer, or io.Discard in quiet mode.
func (o *Output) Writer() io.Writer {
	if o.quiet {
		return io.Discard
	}
	return o.w
}

// Info prints an informational " * " line.
func (o *Output) Info(format string, args ...any) {
	o.status.Info(fmt.Sprintf(format, args...))
}

// Warn prints a warning " * " line.
func (o *Output) Warn(format string, args ...any) {
	o.status.Warn(fmt.Sprintf(format, args...))
}

// Error prints an error " * " line. Errors are printed in quiet mode too.
func (o *Output) Error(format string, args ...any) {
	o.status.Error(fmt.Sprintf(format, args...))
}

// Print prints a line without any prefix.
func (o *Output) Print(line string) {
	o.plain.Info(line)
}

// Item prints an indented listing line, e.g. "   ✗ /usr/src/linux-5.15.2-gentoo".
func (o *Output) Item(mark, item string) {
	m := o.Red(mark)
	if mark == MarkAdded {
		m = o.Green(mark)
	}
	o.Print("   " + m + " " + o.Teal(item))
}

// Teal highlights paths and commands.
func (o *Output) Teal(v any) string { return o.colorize(colorTeal, fmt.Sprint(v)) }

// Red highlights removals.
func (o *Output) Red(v any) string { return o.colorize(colorRed, fmt.Sprint(v)) }

// Green highlights additions.
func (o *Output) Green(v any) string { return o.colorize(colorGreen, fmt.Sprint(v)) }

func (o *Output) colorize(c, s string) string {
	if !o.color {
		return s
	}
	return c + s + colorReset
}
