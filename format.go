package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// idDisplayLen is how many characters of an operation ID tables show.
// Queue IDs are UUIDs; the first chunk is enough to disambiguate and
// every command accepts the full ID.
const idDisplayLen = 8

// truncateID shortens an operation ID for table display.
func truncateID(id string) string {
	if len(id) <= idDisplayLen {
		return id
	}

	return id[:idDisplayLen]
}

// errDisplayLen caps error text in tables so one long message does not
// stretch every row.
const errDisplayLen = 48

// truncateErr shortens error text for table display.
func truncateErr(s string) string {
	if len(s) <= errDisplayLen {
		return s
	}

	return s[:errDisplayLen-1] + "…"
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// formatUnixNano renders a queue timestamp (UnixNano) for display.
func formatUnixNano(ns int64) string {
	if ns == 0 {
		return "-"
	}

	return formatTime(time.Unix(0, ns))
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
