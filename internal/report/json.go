// Package report renders run results for people (terminal) and machines
// (JSON).
package report

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/example/go-optest/internal/runner"
)

//go:embed report.schema.json
var reportSchemaJSON string

const reportSchemaURL = "optest://report.schema.json"

var (
	reportSchemaOnce sync.Once
	reportSchema     *jsonschema.Schema
	reportSchemaErr  error
)

// Document is the JSON report.
type Document struct {
	RunID     string  `json:"run_id"`
	Plan      string  `json:"plan,omitempty"`
	Operator  string  `json:"operator,omitempty"`
	StartedAt string  `json:"started_at,omitempty"`
	Summary   Summary `json:"summary"`
	Cases     []Case  `json:"cases"`
}

type Summary struct {
	Total    int `json:"total"`
	Failures int `json:"failures"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Errors   int `json:"errors"`
	XFail    int `json:"xfail"`
	XPass    int `json:"xpass"`
}

type Case struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Details    string         `json:"details"`
	Metrics    map[string]any `json:"metrics"`
	XFail      bool           `json:"xfail"`
	Attempts   int            `json:"attempts"`
	DurationMS float64        `json:"duration_ms"`
}

// Meta identifies the run a report describes.
type Meta struct {
	RunID     string
	Plan      string
	Operator  string
	StartedAt time.Time
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string { return uuid.NewString() }

// Build assembles the report document.
func Build(meta Meta, results []runner.Result) Document {
	s := runner.Summarize(results)

	doc := Document{
		RunID:    meta.RunID,
		Plan:     meta.Plan,
		Operator: meta.Operator,
		Summary: Summary{
			Total:    s.Total,
			Failures: s.Failures(),
			Passed:   s.Passed,
			Failed:   s.Failed,
			Errors:   s.Errors,
			XFail:    s.XFail,
			XPass:    s.XPass,
		},
		Cases: make([]Case, 0, len(results)),
	}

	if doc.RunID == "" {
		doc.RunID = NewRunID()
	}

	if !meta.StartedAt.IsZero() {
		doc.StartedAt = meta.StartedAt.UTC().Format(time.RFC3339)
	}

	for _, r := range results {
		metrics := r.Metrics
		if metrics == nil {
			metrics = map[string]any{}
		}

		doc.Cases = append(doc.Cases, Case{
			ID:         r.ID,
			Status:     string(r.Status),
			Details:    r.Detail,
			Metrics:    metrics,
			XFail:      r.XFail,
			Attempts:   r.Attempts,
			DurationMS: float64(r.Duration.Microseconds()) / 1000,
		})
	}

	return doc
}

// Encode validates doc against the report schema and returns indented JSON.
func Encode(doc Document) ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	return append(raw, '\n'), nil
}

// WriteJSON writes the report to path, or to w when path is empty.
func WriteJSON(w io.Writer, path string, doc Document) error {
	raw, err := Encode(doc)
	if err != nil {
		return err
	}

	if path == "" {
		_, err := w.Write(raw)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: create directory: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}

	return nil
}

func validate(raw []byte) error {
	reportSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7

		if err := c.AddResource(reportSchemaURL, strings.NewReader(reportSchemaJSON)); err != nil {
			reportSchemaErr = fmt.Errorf("report: load schema: %w", err)
			return
		}

		reportSchema, reportSchemaErr = c.Compile(reportSchemaURL)
	})

	if reportSchemaErr != nil {
		return reportSchemaErr
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	err := dec.Decode(&doc)
	if err == nil {
		if _, terr := dec.Token(); terr != io.EOF {
			err = fmt.Errorf("invalid character after top-level value")
		}
	}
	if err != nil {
		return fmt.Errorf("report: decode for validation: %w", err)
	}

	if err := reportSchema.Validate(doc); err != nil {
		return fmt.Errorf("report: document does not match schema: %w", err)
	}

	return nil
}
