package capability

import "strings"

// Tag is a capability label an agent claims to provide. The vocabulary is
// open; the constants below cover the tags the classifier can infer.
type Tag string

const (
	TextGeneration  Tag = "text_generation"
	CodeGeneration  Tag = "code_generation"
	DataAnalysis    Tag = "data_analysis"
	Reasoning       Tag = "reasoning"
	ImageGeneration Tag = "image_generation"
	Translation     Tag = "translation"
	Summarization   Tag = "summarization"
	Search          Tag = "search"
)

// entry pairs a tag with its trigger keyword family. Entries are evaluated
// in order; the order of matched tags is the table order, which downstream
// routing uses for tie-breaking.
type entry struct {
	tag      Tag
	triggers []string
}

var table = []entry{
	{CodeGeneration, []string{"code", "function", "script", "program", "implement", "debug", "refactor", "compile"}},
	{DataAnalysis, []string{"analyze", "analysis", "dataset", "statistics", "csv", "chart", "aggregate", "metrics"}},
	{Reasoning, []string{"reason", "logic", "deduce", "solve", "plan", "decide", "prove", "step by step"}},
	{ImageGeneration, []string{"image", "picture", "draw", "render", "diagram", "illustration", "logo"}},
	{Translation, []string{"translate", "translation", "localize", "french", "spanish", "german", "japanese"}},
	{Summarization, []string{"summarize", "summary", "tldr", "condense", "abstract", "brief"}},
	{Search, []string{"search", "find", "lookup", "look up", "retrieve", "query the web"}},
}

// Infer maps free-text task descriptions to capability tags. It is pure and
// never fails: malformed or unmatched input degrades to {text_generation}.
func Infer(text string) []Tag {
	lower := strings.ToLower(text)

	var tags []Tag
	for _, e := range table {
		for _, trig := range e.triggers {
			if strings.Contains(lower, trig) {
				tags = append(tags, e.tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		return []Tag{TextGeneration}
	}
	return tags
}

// Subset reports whether every tag in required appears in declared.
// Matching is case-insensitive set membership.
func Subset(required, declared []Tag) bool {
	for _, req := range required {
		found := false
		for _, dec := range declared {
			if strings.EqualFold(string(dec), string(req)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FromStrings converts a raw string slice into tags, trimming whitespace
// and lowercasing. Empty entries are dropped.
func FromStrings(raw []string) []Tag {
	var tags []Tag
	for _, r := range raw {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			tags = append(tags, Tag(r))
		}
	}
	return tags
}

// Strings converts tags back to their string form.
func Strings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// Key returns a deterministic identity for a capability set, used to key
// per-set state such as round-robin cursors. Order-insensitive.
func Key(tags []Tag) string {
	ss := Strings(tags)
	// insertion sort; sets are tiny
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
	return strings.Join(ss, ",")
}
