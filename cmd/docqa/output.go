package main

import (
	"fmt"
	"io"
	"os"
)

// Messages go to stderr so stdout carries only results (answers, JSON).
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notice prints one prefixed, colored line to stderr.
func notice(color, glyph, format string, args []any) {
	fmt.Fprintln(stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args) }

// printStatus prints an indented "Label: value" line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printDetail writes a result line to stdout.
func printDetail(format string, args ...any) {
	fmt.Fprintf(stdout, format+"\n", args...)
}
