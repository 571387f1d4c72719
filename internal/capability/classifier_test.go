package capability

import "testing"

func TestInferDefaultsToTextGeneration(t *testing.T) {
	for _, text := range []string{"", "hello there", "please respond politely", "   "} {
		tags := Infer(text)
		if len(tags) != 1 || tags[0] != TextGeneration {
			t.Errorf("Infer(%q) = %v, want [text_generation]", text, tags)
		}
	}
}

func TestInferMatchesKeywordFamilies(t *testing.T) {
	tests := []struct {
		text string
		want Tag
	}{
		{"write a function to parse dates", CodeGeneration},
		{"analyze this dataset for outliers", DataAnalysis},
		{"solve this puzzle step by step", Reasoning},
		{"draw a diagram of the pipeline", ImageGeneration},
		{"translate this paragraph to French", Translation},
		{"summarize the meeting notes", Summarization},
		{"find the latest release notes", Search},
	}
	for _, tt := range tests {
		tags := Infer(tt.text)
		found := false
		for _, tag := range tags {
			if tag == tt.want {
				found = true
			}
		}
		if !found {
			t.Errorf("Infer(%q) = %v, want to include %s", tt.text, tags, tt.want)
		}
	}
}

func TestInferMultipleTagsDeterministicOrder(t *testing.T) {
	text := "analyze the dataset and implement a script to chart it"
	first := Infer(text)
	if len(first) < 2 {
		t.Fatalf("expected multiple tags, got %v", first)
	}
	// code_generation precedes data_analysis in table order
	if first[0] != CodeGeneration || first[1] != DataAnalysis {
		t.Errorf("unexpected order: %v", first)
	}
	for i := 0; i < 10; i++ {
		again := Infer(text)
		if len(again) != len(first) {
			t.Fatalf("non-deterministic result length")
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("non-deterministic order: %v vs %v", again, first)
			}
		}
	}
}

func TestInferNeverEmpty(t *testing.T) {
	inputs := []string{"", "\x00\xff", "1234567890", "ÿæøå"}
	for _, in := range inputs {
		if tags := Infer(in); len(tags) == 0 {
			t.Errorf("Infer(%q) returned empty set", in)
		}
	}
}

func TestSubset(t *testing.T) {
	tests := []struct {
		name     string
		required []Tag
		declared []Tag
		want     bool
	}{
		{"empty required", nil, []Tag{CodeGeneration}, true},
		{"exact", []Tag{CodeGeneration}, []Tag{CodeGeneration}, true},
		{"subset", []Tag{CodeGeneration}, []Tag{CodeGeneration, Reasoning}, true},
		{"missing", []Tag{CodeGeneration, DataAnalysis}, []Tag{CodeGeneration}, false},
		{"case insensitive", []Tag{"Code_Generation"}, []Tag{CodeGeneration}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subset(tt.required, tt.declared); got != tt.want {
				t.Errorf("Subset(%v, %v) = %v, want %v", tt.required, tt.declared, got, tt.want)
			}
		})
	}
}

func TestKeyOrderInsensitive(t *testing.T) {
	a := Key([]Tag{CodeGeneration, DataAnalysis})
	b := Key([]Tag{DataAnalysis, CodeGeneration})
	if a != b {
		t.Errorf("Key should be order-insensitive: %q vs %q", a, b)
	}
}

func TestFromStrings(t *testing.T) {
	tags := FromStrings([]string{" Code_Generation ", "", "reasoning"})
	if len(tags) != 2 || tags[0] != CodeGeneration || tags[1] != Reasoning {
		t.Errorf("unexpected tags: %v", tags)
	}
}
