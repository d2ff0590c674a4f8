package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

// printStatus prints a status line with a colored marker.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func errorMark() string {
	return color.RedString("✗")
}

// colorStatus colors task, run and machine statuses alike.
func colorStatus(status string) string {
	switch status {
	case "completed", "online":
		return color.GreenString(status)
	case "failed", "error", "timeout", "offline":
		return color.RedString(status)
	case "running", "busy":
		return color.CyanString(status)
	case "queued", "pending":
		return color.YellowString(status)
	case "assigned", "claimed":
		return color.BlueString(status)
	default:
		return color.HiBlackString(status)
	}
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// field prints an aligned "Label: value" line, skipping empty values.
func field(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-13s %s\n", label+":", value)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
