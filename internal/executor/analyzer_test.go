package executor

import (
	"testing"

	"steward/internal/domain"
)

func TestAnalyzeCategories(t *testing.T) {
	cases := []struct {
		body     string
		category string
	}{
		{"I'd like a quote for 50 seats", CategorySales},
		{"this is broken and I want a refund", CategoryComplaint},
		{"how do i export my data?", CategorySupport},
		{"weekly digest for the team", CategoryRoutine},
		{"fyi, nothing to do here", CategoryGeneral},
	}
	for _, tc := range cases {
		a := Analyze(domain.Event{Source: "gmail", Priority: "medium", Body: tc.body})
		if a.Category != tc.category {
			t.Errorf("%q: got %s, want %s", tc.body, a.Category, tc.category)
		}
	}
}

func TestAnalyzeComplaintWinsOverSales(t *testing.T) {
	a := Analyze(domain.Event{Body: "I want a refund for this purchase"})
	if a.Category != CategoryComplaint {
		t.Fatalf("complaint keywords must win, got %s", a.Category)
	}
}

func TestAnalyzeUrgencyOverride(t *testing.T) {
	a := Analyze(domain.Event{Priority: "low", Body: "please fix this asap, the demo is today"})
	if a.Priority != "urgent" {
		t.Fatalf("urgent keyword must override priority, got %s", a.Priority)
	}
}

func TestAnalyzeComplexity(t *testing.T) {
	if a := Analyze(domain.Event{Body: "this is broken"}); a.Complexity != "critical" {
		t.Fatalf("complaint complexity %s", a.Complexity)
	}
	if a := Analyze(domain.Event{Body: "weekly report"}); a.Complexity != "routine" {
		t.Fatalf("routine complexity %s", a.Complexity)
	}
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	if a := Analyze(domain.Event{Body: string(long)}); a.Complexity != "complex" {
		t.Fatalf("long body complexity %s", a.Complexity)
	}
	if a := Analyze(domain.Event{Body: "short note"}); a.Complexity != "simple" {
		t.Fatalf("short body complexity %s", a.Complexity)
	}
}

func TestAnalyzeObjectiveFallback(t *testing.T) {
	a := Analyze(domain.Event{Source: "slack", Body: "hello"})
	if a.Objective != "handle general event from slack" {
		t.Fatalf("objective %q", a.Objective)
	}
	a = Analyze(domain.Event{Source: "slack", Summary: "greet the team", Body: "hello"})
	if a.Objective != "greet the team" {
		t.Fatalf("objective %q", a.Objective)
	}
}

func TestSynthesizeCapsSimpleWork(t *testing.T) {
	full := Synthesize(Analysis{Category: CategorySales, Complexity: "complex"})
	if len(full) != 4 {
		t.Fatalf("sales playbook has %d steps", len(full))
	}
	capped := Synthesize(Analysis{Category: CategorySales, Complexity: "simple"})
	if len(capped) != 2 {
		t.Fatalf("simple sales work has %d steps", len(capped))
	}
	if capped[0].Kind != KindAnalyze || capped[1].Kind != KindDraft {
		t.Fatalf("cap must keep the leading steps: %+v", capped)
	}
	unknown := Synthesize(Analysis{Category: "mystery", Complexity: "simple"})
	if len(unknown) == 0 {
		t.Fatal("unknown category must fall back to the general playbook")
	}
}
