// Package registry versions the prompt templates used by the tester and
// the grading stages, tracks per-version usage metrics, and runs the
// controlled experiments that decide which version serves traffic.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"healthboard/internal/model"
	"healthboard/internal/store"
)

var ErrUnknownKey = errors.New("unknown prompt key")

// Served carries the version identity along with the content so usage
// metrics attribute to the version that actually produced the output,
// even while an experiment reassigns traffic.
type Served struct {
	Key     string
	Version string
	Content string
}

type Registry struct {
	store store.Store
}

func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// Get returns the active version for the key, creating the baseline from
// the defaults table on first use.
func (r *Registry) Get(key string) (Served, error) {
	if v, ok := r.store.GetActivePrompt(key); ok {
		return Served{Key: key, Version: v.Version, Content: v.Content}, nil
	}
	content, ok := defaultPrompts[key]
	if !ok {
		return Served{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	baseline := model.PromptVersion{
		Key:        key,
		Version:    "v1",
		Content:    content,
		IsBaseline: true,
		IsActive:   true,
		CreatedAt:  model.NowRFC3339(),
	}
	if err := r.store.CreatePromptVersion(baseline); err != nil {
		// Lost the race to another caller; the active version exists now.
		if v, ok := r.store.GetActivePrompt(key); ok {
			return Served{Key: key, Version: v.Version, Content: v.Content}, nil
		}
		return Served{}, fmt.Errorf("create baseline %s: %w", key, err)
	}
	return Served{Key: key, Version: baseline.Version, Content: baseline.Content}, nil
}

// GetForRun serves the experiment candidate to half of runs when one is
// under test, assigned deterministically by run id so a run sticks to its
// arm across turns.
func (r *Registry) GetForRun(key, runID string) (Served, error) {
	active, err := r.Get(key)
	if err != nil {
		return Served{}, err
	}
	candidate, ok := r.Candidate(key)
	if !ok {
		return active, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key + "|" + runID))
	if h.Sum32()%2 == 0 {
		return active, nil
	}
	return Served{Key: key, Version: candidate.Version, Content: candidate.Content}, nil
}

// Candidate returns the newest non-active, non-baseline version of the
// key, which is the experiment arm when one exists.
func (r *Registry) Candidate(key string) (model.PromptVersion, bool) {
	versions := r.store.ListPromptVersions(key)
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if !v.IsActive && !v.IsBaseline {
			return v, true
		}
	}
	return model.PromptVersion{}, false
}

func (r *Registry) RecordUsage(served Served, success bool, score float64) error {
	if served.Key == "" || served.Version == "" {
		return nil
	}
	return r.store.RecordPromptUsage(served.Key, served.Version, success, score)
}

func (r *Registry) Versions(key string) []model.PromptVersion {
	return r.store.ListPromptVersions(key)
}

func (r *Registry) Keys() []string {
	keys := r.store.ListPromptKeys()
	known := map[string]bool{}
	for _, key := range keys {
		known[key] = true
	}
	for key := range defaultPrompts {
		if !known[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// Render substitutes {name} placeholders in a prompt template.
func Render(content string, vars map[string]string) string {
	if len(vars) == 0 {
		return content
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
