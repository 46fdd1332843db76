package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncateID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"empty", "", ""},
		{"short", "abc123", "abc123"},
		{"exact", "12345678", "12345678"},
		{"uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "6ba7b810"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateID(tt.id))
		})
	}
}

func TestTruncateErr(t *testing.T) {
	t.Run("short passes through", func(t *testing.T) {
		assert.Equal(t, "connection refused", truncateErr("connection refused"))
	})

	t.Run("long is capped with ellipsis", func(t *testing.T) {
		long := strings.Repeat("x", 100)
		got := truncateErr(long)

		assert.Len(t, []rune(got), errDisplayLen)
		assert.True(t, strings.HasSuffix(got, "…"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "", truncateErr(""))
	})
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestFormatUnixNano(t *testing.T) {
	t.Run("zero is a dash", func(t *testing.T) {
		assert.Equal(t, "-", formatUnixNano(0))
	})

	t.Run("timestamp renders", func(t *testing.T) {
		ts := time.Date(2020, time.June, 1, 12, 0, 0, 0, time.Local)
		result := formatUnixNano(ts.UnixNano())
		assert.Contains(t, result, "Jun")
		assert.Contains(t, result, "2020")
	})
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"ID", "TYPE", "STATUS"}
	rows := [][]string{
		{"6ba7b810", "workorder.create", "pending"},
		{"7cb8c921", "inspection.submit", "failed"},
	}

	printTable(&buf, headers, rows)
	output := buf.String()

	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "TYPE")
	assert.Contains(t, output, "workorder.create")
	assert.Contains(t, output, "inspection.submit")

	// Columns align: every line starts its TYPE column at the same offset.
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	assert.Len(t, lines, 3)

	typeCol := strings.Index(lines[1], "workorder.create")
	assert.Equal(t, typeCol, strings.Index(lines[2], "inspection.submit"))
}

func TestPrintTable_EmptyRows(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"A", "B"}, nil)

	assert.Equal(t, "A  B\n", buf.String())
}
