package run

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArtefactLabelPrefix prefixes the label that describes a declared model.
const ArtefactLabelPrefix = "artefact:"

// ModelKind identifies the framework that produced a model. The set is
// closed: Generic, TensorFlow and SKLearn.
type ModelKind interface {
	modelType() string
	modelVersion() string
}

// Generic is a model the platform serves with the generic Python runtime.
type Generic struct{}

type TensorFlow struct {
	Version string
}

type SKLearn struct {
	Version string
}

func (Generic) modelType() string { return "model" }
func (Generic) modelVersion() string { return "" }
func (TensorFlow) modelType() string { return "tensorflow-model" }
func (k TensorFlow) modelVersion() string { return k.Version }
func (SKLearn) modelType() string { return "sklearn-model" }
func (k SKLearn) modelVersion() string { return k.Version }

// ModelArtefact is the JSON value of an artefact label.
type ModelArtefact struct {
	Files   map[string]string `json:"files"`
	Type    string            `json:"type"`
	Version string            `json:"version,omitempty"`
}

// ClassesFile is the root-relative class-label map declared with the model,
// or "".
func (a ModelArtefact) ClassesFile() string {
	return a.Files["classes"]
}

type ModelOption func(*modelOptions)

type modelOptions struct {
	classes string
}

// WithClasses declares a JSON file mapping class indices to labels. It is
// attached to deployments of the model.
func WithClasses(path string) ModelOption {
	return func(o *modelOptions) {
		o.classes = path
	}
}

// Model declares path as the output holding a model called name and returns
// path unchanged.
func (r *Run) Model(kind ModelKind, name string, path string, opts ...ModelOption) (string, error) {
	if kind == nil {
		return "", fmt.Errorf("model %q: kind is required", name)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("model name is required")
	}
	var o modelOptions
	for _, opt := range opts {
		opt(&o)
	}

	model, err := r.rel.Normalize(path)
	if err != nil {
		return "", fmt.Errorf("model %q: %w", name, err)
	}
	if err := r.AddOutput(path); err != nil {
		return "", err
	}
	art := ModelArtefact{
		Files:   map[string]string{"model": model},
		Type:    kind.modelType(),
		Version: kind.modelVersion(),
	}
	if o.classes != "" {
		classes, err := r.rel.Normalize(o.classes)
		if err != nil {
			return "", fmt.Errorf("model %q classes: %w", name, err)
		}
		if err := r.AddOutput(o.classes); err != nil {
			return "", err
		}
		art.Files["classes"] = classes
	}

	raw, err := json.Marshal(art)
	if err != nil {
		return "", fmt.Errorf("model %q: %w", name, err)
	}
	r.AddLabel(ArtefactLabelPrefix+name, string(raw))
	return path, nil
}

// ModelArtefacts decodes every artefact label in labels, keyed by model name.
// Labels that do not decode are skipped.
func ModelArtefacts(labels map[string]string) map[string]ModelArtefact {
	out := map[string]ModelArtefact{}
	for k, v := range labels {
		name, ok := strings.CutPrefix(k, ArtefactLabelPrefix)
		if !ok {
			continue
		}
		var art ModelArtefact
		if err := json.Unmarshal([]byte(v), &art); err != nil {
			continue
		}
		out[name] = art
	}
	return out
}
