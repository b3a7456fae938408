package note

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cosmicnotes/internal/ai"
)

// DenylistToken is a known model artifact. Any suggested tag whose name
// equals or contains it is dropped before anything is persisted. The filter
// is the safety net; the prompt alone cannot be trusted to suppress it.
const DenylistToken = "X20"

// DefaultConfidenceThreshold filters low-confidence suggestions.
const DefaultConfidenceThreshold = 0.5

const maxTagsPerNote = 20

// TagSuggestion is one candidate tag from extraction.
type TagSuggestion struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ExtractionError marks a model or parse failure during tag extraction.
// The save cascade suppresses it; direct callers surface it as a server fault.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return "tag extraction: " + e.Err.Error() }
func (e *ExtractionError) Unwrap() error { return e.Err }

var ErrEmptyContent = errors.New("content is empty")

const genericTagSystem = `You tag personal notes. Given a note, suggest 2-6 short reusable tags.
Return ONLY a JSON object: {"tags":[{"name":"Tag Name","confidence":0.9}]}.
Confidence is 0.0-1.0. Capitalize tag names. No other text.`

// Per-category system prompts. Unknown categories use the generic one.
var tagSystemPrompts = map[string]string{
	CategoryToDo: `You tag to-do notes. Suggest 2-6 tags naming the task domain
(e.g. "Groceries", "Errands", "Work"). Return ONLY a JSON object:
{"tags":[{"name":"Tag Name","confidence":0.9}]}. No other text.`,
	CategoryCollection: `You tag collection notes (lists of related things).
Suggest 2-6 tags naming what is collected. Return ONLY a JSON object:
{"tags":[{"name":"Tag Name","confidence":0.9}]}. No other text.`,
	CategoryFeedback: `You tag feedback notes. Suggest 2-6 tags naming the
subject the feedback is about. Return ONLY a JSON object:
{"tags":[{"name":"Tag Name","confidence":0.9}]}. No other text.`,
	CategoryBrainstorm: `You tag brainstorm notes. Suggest 2-6 tags naming the
ideas' themes. Return ONLY a JSON object:
{"tags":[{"name":"Tag Name","confidence":0.9}]}. No other text.`,
	CategoryJournal: `You tag journal entries. Suggest 2-6 tags naming topics,
people or moods. Return ONLY a JSON object:
{"tags":[{"name":"Tag Name","confidence":0.9}]}. No other text.`,
}

const titleSystem = `Write a short title (max 8 words) for the given note.
Return ONLY the title text, no quotes, no other text.`

// Extractor asks the model for tags and titles. It never persists anything.
type Extractor struct {
	AI        ai.Client
	Threshold float64
}

func (e *Extractor) threshold() float64 {
	if e.Threshold > 0 {
		return e.Threshold
	}
	return DefaultConfidenceThreshold
}

// Extract returns filtered tag suggestions for content in a category.
func (e *Extractor) Extract(ctx context.Context, content, category string) ([]TagSuggestion, error) {
	return e.ExtractWithThreshold(ctx, content, category, e.threshold())
}

// ExtractWithThreshold is Extract with an explicit confidence cutoff.
func (e *Extractor) ExtractWithThreshold(ctx context.Context, content, category string, threshold float64) ([]TagSuggestion, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	system, ok := tagSystemPrompts[category]
	if !ok {
		system = genericTagSystem
	}

	raw, err := e.AI.Complete(ctx, system, content)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	suggestions, err := parseTagResponse(raw)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	return FilterSuggestions(suggestions, threshold), nil
}

// Title generates a one-line title for content.
func (e *Extractor) Title(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	raw, err := e.AI.Complete(ctx, titleSystem, content)
	if err != nil {
		return "", &ExtractionError{Err: err}
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if title == "" {
		return "", &ExtractionError{Err: errors.New("empty title")}
	}
	return title, nil
}

func parseTagResponse(raw string) ([]TagSuggestion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out struct {
		Tags []TagSuggestion `json:"tags"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return out.Tags, nil
}

// FilterSuggestions applies the denylist, confidence bounds and threshold,
// dedupes case-insensitively and caps the result.
func FilterSuggestions(in []TagSuggestion, threshold float64) []TagSuggestion {
	seen := map[string]struct{}{}
	out := make([]TagSuggestion, 0, len(in))

	for _, s := range in {
		name := NormalizeTagName(s.Name)
		if name == "" {
			continue
		}
		if strings.Contains(strings.ToUpper(name), DenylistToken) {
			continue
		}
		if s.Confidence < threshold || s.Confidence < 0 || s.Confidence > 1 {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, TagSuggestion{Name: name, Confidence: s.Confidence})

		if len(out) >= maxTagsPerNote { // cap
			break
		}
	}

	return out
}

// NormalizeTagName trims, collapses inner whitespace and upper-cases the
// first rune. Canonical form for merge primaries and stored tag names.
func NormalizeTagName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	name = strings.Join(fields, " ")
	r := []rune(name)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
