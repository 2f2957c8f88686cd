// Package stdout writes metrics as marker-wrapped JSON lines for a supervising
// process to pick up, and parses those lines on the supervisor side. It never
// talks to the tracking service.
package stdout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/mlflare/mlflare-go/types"
)

// Marker is the key every metrics line is wrapped under.
const Marker = "__mlflare__"

type Metric struct {
	Name  string
	Value float64
}

// M is shorthand for Metric{Name: name, Value: value}.
func M(name string, value float64) Metric {
	return Metric{Name: name, Value: value}
}

type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter writes to w, or os.Stdout when w is nil.
func NewEmitter(w io.Writer) *Emitter {
	if w == nil {
		w = os.Stdout
	}
	return &Emitter{w: w}
}

type line struct {
	Metrics *orderedmap.OrderedMap[string, float64] `json:"__mlflare__"`
}

// Emit writes one line holding metrics in argument order. A repeated name
// keeps its first position and its last value.
func (e *Emitter) Emit(metrics ...Metric) error {
	om := orderedmap.New[string, float64](orderedmap.WithCapacity[string, float64](len(metrics)))
	for _, m := range metrics {
		om.Set(m.Name, m.Value)
	}
	raw, err := json.Marshal(line{Metrics: om})
	if err != nil {
		return fmt.Errorf("failed to encode metrics line: %w", err)
	}
	raw = append(raw, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return fmt.Errorf("failed to write metrics line: %w", err)
	}
	return nil
}

// EmitMap writes metrics with names in sorted order.
func (e *Emitter) EmitMap(metrics types.Metrics) error {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	slices.Sort(names)
	kv := make([]Metric, 0, len(names))
	for _, name := range names {
		kv = append(kv, M(name, metrics[name]))
	}
	return e.Emit(kv...)
}

var std = NewEmitter(nil)

// LogMetrics writes one metrics line to standard output.
func LogMetrics(metrics ...Metric) error {
	return std.Emit(metrics...)
}

// Parse extracts the metrics from a marker line. Lines without the marker,
// or whose marker value is not an object of numbers, report false.
func Parse(text string) (types.Metrics, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") || !strings.Contains(text, Marker) {
		return nil, false
	}
	var payload struct {
		Metrics types.Metrics `json:"__mlflare__"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.Metrics == nil {
		return nil, false
	}
	return payload.Metrics, true
}
