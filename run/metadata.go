package run

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// Metadata is the canonical snapshot of a run. Fields are declared in key
// order so the encoded object has sorted keys.
type Metadata struct {
	Description  *string           `json:"description,omitempty"`
	End          string            `json:"end,omitempty"`
	Error        *string           `json:"error,omitempty"`
	Input        []string          `json:"input"`
	Labels       map[string]string `json:"labels"`
	Output       []string          `json:"output"`
	Parameters   map[string]string `json:"parameters"`
	Start        string            `json:"start,omitempty"`
	Summary      map[string]string `json:"summary"`
	Version      string            `json:"version"`
	WorkloadFile string            `json:"workload-file,omitempty"`
}

// Metadata snapshots the run. Output directories are expanded here, since
// they are only guaranteed to exist once the work is done.
func (r *Run) Metadata() (Metadata, error) {
	outputs := map[string]struct{}{}
	for o := range r.outputs {
		files, err := r.rel.Expand(r.rel.Abs(o))
		if err != nil {
			return Metadata{}, fmt.Errorf("expand output: %w", err)
		}
		for _, f := range files {
			outputs[f] = struct{}{}
		}
	}

	m := Metadata{
		Version:      SchemaVersion,
		Input:        sortedKeys(r.inputs),
		Output:       sortedKeys(outputs),
		Labels:       maps.Clone(r.labels),
		Summary:      maps.Clone(r.summary),
		Parameters:   maps.Clone(r.parameters),
		WorkloadFile: r.workloadFile,
	}
	if r.description != nil {
		d := *r.description
		m.Description = &d
	}
	if r.errText != nil {
		e := *r.errText
		m.Error = &e
	}
	if !r.start.IsZero() {
		m.Start = r.start.Format(TimestampLayout)
	}
	if !r.end.IsZero() {
		m.End = r.end.Format(TimestampLayout)
	}
	return m, nil
}

// Canonical returns m with nil collections replaced by empty ones, so they
// encode as {} and [] rather than null.
func (m Metadata) Canonical() Metadata {
	if m.Input == nil {
		m.Input = []string{}
	}
	if m.Output == nil {
		m.Output = []string{}
	}
	if m.Labels == nil {
		m.Labels = map[string]string{}
	}
	if m.Summary == nil {
		m.Summary = map[string]string{}
	}
	if m.Parameters == nil {
		m.Parameters = map[string]string{}
	}
	return m
}

// Encode renders m as indented JSON with sorted keys and no trailing newline.
func (m Metadata) Encode() (string, error) {
	m = m.Canonical()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Render returns the sentinel-wrapped payload. If the current identity is
// empty or occurs in the body, a new one is minted until it does not.
func (r *Run) Render() (string, error) {
	m, err := r.Metadata()
	if err != nil {
		return "", err
	}
	body, err := m.Encode()
	if err != nil {
		return "", err
	}
	for r.id == "" || strings.Contains(body, r.id) {
		r.id = r.newID()
	}
	return fmt.Sprintf("[[%s:%s]]\n%s\n[[/%s:%s]]", r.tag, r.id, body, r.tag, r.id), nil
}

// Debug writes the metadata without sentinels.
func (r *Run) Debug(w io.Writer) error {
	m, err := r.Metadata()
	if err != nil {
		return err
	}
	body, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, body)
	return err
}

func sortedKeys(set map[string]struct{}) []string {
	out := slices.Collect(maps.Keys(set))
	if out == nil {
		return []string{}
	}
	slices.Sort(out)
	return out
}
