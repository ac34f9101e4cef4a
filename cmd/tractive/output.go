package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/benmeehan/tractive-agent/internal/models"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitValidation  = 2
	exitCredentials = 3
	exitNetwork     = 4
	exitLocation    = 5
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	category, ok := models.CategoryOf(err)
	if !ok {
		return exitFailure
	}
	switch category {
	case models.CategoryValidation:
		return exitValidation
	case models.CategoryCredentials, models.CategoryAuth:
		return exitCredentials
	case models.CategoryNetwork, models.CategoryAPI:
		return exitNetwork
	case models.CategoryLocation:
		return exitLocation
	}
	return exitFailure
}

// usageError marks cobra argument and flag errors as validation failures.
func usageError(err error) error {
	if err == nil {
		return nil
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return &models.ValidationError{Field: "arguments", Reason: err.Error()}
}

// printer writes command results as text or, with --json, as indented JSON.
type printer struct {
	out  io.Writer
	json bool
}

func (p printer) emit(v any, text func(w io.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func row(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "%s:\t%s\n", label, fmt.Sprintf(format, args...))
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "unknown"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04:05")
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func writeLocation(w io.Writer, fix models.GPSLocation, now time.Time) {
	row(w, "Coordinates", "%.6f, %.6f", fix.Latitude, fix.Longitude)
	row(w, "Accuracy", "%.0f m (%s)", fix.Uncertainty, fix.AccuracyLevel())
	row(w, "Time", "%s (%s ago)", formatUnix(fix.Timestamp), formatAge(fix.Age(now)))
	if fix.Altitude != 0 {
		row(w, "Altitude", "%.0f m", fix.Altitude)
	}
	if fix.Speed != 0 {
		row(w, "Speed", "%.1f", fix.Speed)
	}
}

func writeStates(w io.Writer, states []string) {
	row(w, "Path", "%s", strings.Join(states, " -> "))
}
