package agent

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"conductor/pkg/agent/resilience"
)

// Artifact is a side output of a unit, typically a citation.
type Artifact struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// Key is the stable identity used for de-duplication: the URL without a
// trailing slash, or the title when there is no URL.
func (a Artifact) Key() string {
	if u := strings.TrimRight(strings.TrimSpace(a.URL), "/"); u != "" {
		return u
	}
	return strings.TrimSpace(a.Title)
}

// Failure describes why a unit did not succeed.
type Failure struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	cause   error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.cause }

// Result is the outcome of one unit invocation.
type Result struct {
	Agent     string         `json:"agent"`
	Output    string         `json:"output"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Success   bool           `json:"success"`
	Err       *Failure       `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Final asks a pipeline to stop after this unit.
	Final    bool           `json:"final,omitempty"`
	Usage    map[string]int `json:"usage,omitempty"`
	Duration time.Duration  `json:"duration_ns,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(name, output string) Result {
	return Result{Agent: name, Output: output, Success: true}
}

// Failed captures err as a failed result for unit name. The original error is
// kept so that AsError reports the same taxonomy.
func Failed(name string, err error) Result {
	if err == nil {
		err = errors.New("unit reported failure without an error")
	}
	return Result{
		Agent:   name,
		Success: false,
		Err: &Failure{
			Message: err.Error(),
			Kind:    resilience.Classify(err).String(),
			cause:   err,
		},
	}
}

// AsError returns nil for a successful result and a unit failure otherwise.
func (r Result) AsError() error {
	if r.Success {
		return nil
	}
	if r.Err == nil {
		return resilience.NewUnitError(r.Agent, nil)
	}
	return resilience.NewUnitError(r.Agent, r.Err)
}

// Clone returns a copy that shares no slices or maps with r.
func (r Result) Clone() Result {
	out := r
	out.Artifacts = slices.Clone(r.Artifacts)
	out.Metadata = maps.Clone(r.Metadata)
	out.Usage = maps.Clone(r.Usage)
	if r.Err != nil {
		f := *r.Err
		out.Err = &f
	}
	return out
}

// MetaString returns a string metadata value.
func (r Result) MetaString(key string) string {
	s, _ := r.Metadata[key].(string)
	return s
}

// MergeArtifacts appends the artifacts of next onto base, skipping any whose
// Key is already present or empty. Order is first seen.
func MergeArtifacts(base []Artifact, next ...[]Artifact) []Artifact {
	seen := make(map[string]struct{}, len(base))
	out := make([]Artifact, 0, len(base))
	add := func(a Artifact) {
		k := a.Key()
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	for _, a := range base {
		add(a)
	}
	for _, list := range next {
		for _, a := range list {
			add(a)
		}
	}
	return out
}
