package run

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Payload is one run block recovered from an output stream.
type Payload struct {
	ID       string
	Metadata Metadata
	Raw      json.RawMessage
}

// Extract finds every complete run block in text. An opening marker without
// a matching closing marker for the same identity is skipped.
func Extract(text string, tag string) ([]Payload, error) {
	if tag == "" {
		tag = DefaultTag
	}
	open := regexp.MustCompile(`\[\[` + regexp.QuoteMeta(tag) + `:([^\[\]\s]+)\]\]`)

	var out []Payload
	pos := 0
	for pos < len(text) {
		loc := open.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		id := text[pos+loc[2] : pos+loc[3]]
		bodyStart := pos + loc[1]
		closing := "[[/" + tag + ":" + id + "]]"
		n := strings.Index(text[bodyStart:], closing)
		if n < 0 {
			pos = bodyStart
			continue
		}
		body := strings.TrimSpace(text[bodyStart : bodyStart+n])
		p, err := decodePayload(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		pos = bodyStart + n + len(closing)
	}
	return out, nil
}

// Scan reads r to the end and extracts its run blocks.
func Scan(r io.Reader, tag string) ([]Payload, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return Extract(string(raw), tag)
}

func decodePayload(id, body string) (Payload, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Payload{}, fmt.Errorf("run %s: decode payload: %w", id, err)
	}
	if m.Version != SchemaVersion {
		return Payload{}, fmt.Errorf("run %s: unsupported payload version %q", id, m.Version)
	}
	return Payload{ID: id, Metadata: m, Raw: json.RawMessage(body)}, nil
}
