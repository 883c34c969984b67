package run

import "fmt"

// Pair is one key/value of a batch update.
type Pair struct {
	Key   string
	Value any
}

func P(key string, value any) Pair {
	return Pair{Key: key, Value: value}
}

// Recorder is anything that accepts labels, summary values and parameters.
// Both *Run and the dotscience Session implement it.
type Recorder interface {
	AddLabel(key string, value any)
	AddSummary(key string, value any)
	AddParameter(key string, value any)
}

// Label records value under key and returns it unchanged, so it can wrap an
// expression:
//
//	model := run.Label(r, "model", "resnet50")
func Label[T any](rec Recorder, key string, value T) T {
	rec.AddLabel(key, value)
	return value
}

func Summary[T any](rec Recorder, key string, value T) T {
	rec.AddSummary(key, value)
	return value
}

func Metric[T any](rec Recorder, key string, value T) T {
	return Summary(rec, key, value)
}

func Parameter[T any](rec Recorder, key string, value T) T {
	rec.AddParameter(key, value)
	return value
}

// upsert applies named first, then pairs in order. Later writes win.
func upsert(dst map[string]string, named map[string]any, pairs []Pair) {
	for k, v := range named {
		dst[k] = text(v)
	}
	for _, p := range pairs {
		dst[p.Key] = text(p.Value)
	}
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
