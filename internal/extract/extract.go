// Package extract turns raw content into structured draft records. The
// Extractor interface is the seam for plugging in a remote model; the bundled
// implementation is a deterministic heuristic parser so extraction output is
// a pure function of (model id, instructions, input text) and therefore safe
// to memoize.
package extract

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"stageline/internal/faults"
)

// Request carries everything the extraction output may depend on.
type Request struct {
	ModelID      string `json:"model_id"`
	Instructions string `json:"instructions,omitempty"`
	EntityKey    string `json:"entity_key"`
	Text         string `json:"text"`
}

// Extraction is one structured record pulled out of the input text.
type Extraction struct {
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence string            `json:"confidence" enum:"high,medium,low"`
}

type Extractor interface {
	Extract(ctx context.Context, req Request) ([]Extraction, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// knownFields are the structured keys the heuristic parser recognizes in
// "key: value" lines. They double as the corroborating fields the dedup
// adjudicator trusts.
var knownFields = map[string]bool{
	"name":    true,
	"address": true,
	"email":   true,
	"phone":   true,
	"url":     true,
	"city":    true,
	"country": true,
	"notes":   true,
}

// Heuristic is the built-in extractor. Records are separated by blank-line
// gaps; within a record the first bare line is the title and "key: value"
// lines populate fields.
type Heuristic struct{}

func (Heuristic) Extract(ctx context.Context, req Request) ([]Extraction, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, faults.Validation(fmt.Errorf("empty input text"))
	}
	var out []Extraction
	for _, block := range splitBlocks(req.Text) {
		ex := parseBlock(block)
		if ex.Title == "" && len(ex.Fields) == 0 {
			continue
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return nil, faults.Validation(fmt.Errorf("no records found in input"))
	}
	return out, nil
}

func splitBlocks(text string) []string {
	var blocks []string
	var cur strings.Builder
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			if cur.Len() > 0 {
				blocks = append(blocks, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

func parseBlock(block string) Extraction {
	ex := Extraction{Fields: map[string]string{}}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			k := strings.ToLower(strings.TrimSpace(key))
			v := strings.TrimSpace(value)
			if knownFields[k] && v != "" {
				ex.Fields[k] = v
				if k == "name" && ex.Title == "" {
					ex.Title = v
				}
				continue
			}
		}
		if ex.Title == "" {
			ex.Title = line
		}
	}
	if len(ex.Fields) == 0 {
		ex.Fields = nil
	}
	ex.Confidence = confidenceFor(ex)
	return ex
}

// confidenceFor grades an extraction by how much structure was recovered.
func confidenceFor(ex Extraction) string {
	switch {
	case ex.Title != "" && len(ex.Fields) >= 3:
		return "high"
	case ex.Title != "" && len(ex.Fields) >= 1:
		return "medium"
	default:
		return "low"
	}
}

// CorroboratingField reports whether a field key is strong enough evidence
// to corroborate a merge on its own.
func CorroboratingField(key string) bool {
	switch key {
	case "name", "address", "email", "phone", "url":
		return true
	}
	return false
}
