package evaluation

import (
	"strings"
	"unicode"
)

// Input is the material a scorer judges: the prompt the agent received,
// the response it produced, and optionally a reference answer and
// declared topical context or grounding documents.
type Input struct {
	Prompt    string `json:"prompt"`
	Context   string `json:"context,omitempty"`
	Response  string `json:"response"`
	Reference string `json:"reference,omitempty"`
}

// ScoreFunc maps an input to a quality score in [0, 1].
type ScoreFunc func(in Input) float64

// tokenize lowercases and splits on anything that is not a letter or
// digit, dropping short stopwords that carry no signal.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "was": true,
	"what": true, "which": true, "this": true, "that": true, "with": true,
	"from": true, "have": true, "has": true,
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

// scoreAccuracy measures how much of the reference answer the response
// covers. Without a reference it falls back to relevance.
func scoreAccuracy(in Input) float64 {
	ref := tokenize(in.Reference)
	if len(ref) == 0 {
		return scoreRelevance(in)
	}
	resp := tokenSet(in.Response)
	var hit int
	for _, t := range ref {
		if resp[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(ref))
}

// scoreRelevance measures keyword overlap between the response and the
// topic, which is the prompt plus any declared context.
func scoreRelevance(in Input) float64 {
	topic := tokenize(in.Prompt + " " + in.Context)
	if len(topic) == 0 {
		return 0
	}
	resp := tokenSet(in.Response)
	var hit int
	for _, t := range topic {
		if resp[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(topic))
}

// scoreCoherence is a structural heuristic: penalizes empty or one-word
// responses, heavy token repetition, and run-on sentences.
func scoreCoherence(in Input) float64 {
	tokens := tokenize(in.Response)
	if len(tokens) == 0 {
		return 0
	}
	score := 1.0
	if len(tokens) < 3 {
		score -= 0.3
	}

	unique := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		unique[t] = true
	}
	diversity := float64(len(unique)) / float64(len(tokens))
	if diversity < 0.5 {
		score -= (0.5 - diversity)
	}

	sentences := strings.FieldsFunc(in.Response, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	for _, s := range sentences {
		if len(strings.Fields(s)) > 60 {
			score -= 0.2
			break
		}
	}

	return clamp01(score)
}

// scoreHallucination rewards responses grounded in the prompt, context,
// and reference: the larger the share of response tokens that appear in
// none of them, the lower the score.
func scoreHallucination(in Input) float64 {
	tokens := tokenize(in.Response)
	if len(tokens) == 0 {
		return 1
	}
	grounded := tokenSet(in.Prompt)
	for t := range tokenSet(in.Context) {
		grounded[t] = true
	}
	for t := range tokenSet(in.Reference) {
		grounded[t] = true
	}
	var novel int
	for _, t := range tokens {
		if !grounded[t] {
			novel++
		}
	}
	return clamp01(1 - float64(novel)/float64(len(tokens)))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
