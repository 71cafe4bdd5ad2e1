package executor

import (
	"fmt"
	"strings"

	"steward/internal/domain"
)

// Step kinds are a closed set; every kind has a handler in the registry.
const (
	KindAnalyze  = "analyze"
	KindDraft    = "draft"
	KindSend     = "send"
	KindPublish  = "publish"
	KindSchedule = "schedule"
	KindRecord   = "record"
)

// Categories an event can be routed to.
const (
	CategorySales     = "sales"
	CategoryComplaint = "complaint"
	CategorySupport   = "support"
	CategoryRoutine   = "routine"
	CategoryGeneral   = "general"
)

var categoryKeywords = map[string][]string{
	CategorySales:     {"quote", "pricing", "proposal", "purchase", "buy", "interested in", "demo"},
	CategoryComplaint: {"complaint", "unhappy", "disappointed", "refund", "broken", "not working", "terrible"},
	CategorySupport:   {"help", "how do i", "question", "issue", "error", "support", "trouble"},
	CategoryRoutine:   {"newsletter", "digest", "reminder", "weekly", "report", "summary"},
}

var urgentKeywords = []string{"urgent", "asap", "immediately", "emergency", "critical", "today", "right away"}

// Analysis captures what the planner derived from an event before any step
// has run.
type Analysis struct {
	Category   string
	Priority   string
	Complexity string
	Objective  string
}

// Analyze routes an event to a category and judges its urgency and
// complexity from the content alone.
func Analyze(e domain.Event) Analysis {
	text := strings.ToLower(e.Summary + " " + e.Body)

	category := CategoryGeneral
	for _, cat := range []string{CategoryComplaint, CategorySales, CategorySupport, CategoryRoutine} {
		if containsAny(text, categoryKeywords[cat]) {
			category = cat
			break
		}
	}

	priority := e.Priority
	if containsAny(text, urgentKeywords) {
		priority = "urgent"
	}

	complexity := complexityFor(category, len(e.Body))

	objective := e.Summary
	if objective == "" {
		objective = fmt.Sprintf("handle %s event from %s", category, e.Source)
	}

	return Analysis{
		Category:   category,
		Priority:   priority,
		Complexity: complexity,
		Objective:  objective,
	}
}

func complexityFor(category string, bodyLen int) string {
	switch {
	case category == CategoryComplaint:
		return "critical"
	case category == CategoryRoutine:
		return "routine"
	case bodyLen > 500:
		return "complex"
	case bodyLen > 300 && category != CategoryGeneral:
		return "complex"
	default:
		return "simple"
	}
}

type stepTemplate struct {
	Kind        string
	Description string
}

var stepTemplates = map[string][]stepTemplate{
	CategorySales: {
		{KindAnalyze, "review the inquiry and pull relevant product details"},
		{KindDraft, "draft a tailored response with pricing"},
		{KindSend, "send the response to the prospect"},
		{KindRecord, "record the lead in the pipeline"},
	},
	CategoryComplaint: {
		{KindAnalyze, "assess the complaint and check account history"},
		{KindDraft, "draft an acknowledgement and remedy proposal"},
		{KindSend, "send the acknowledgement to the customer"},
		{KindSchedule, "schedule a follow-up check"},
	},
	CategorySupport: {
		{KindAnalyze, "diagnose the reported issue"},
		{KindDraft, "draft an answer with resolution steps"},
		{KindSend, "send the answer"},
	},
	CategoryRoutine: {
		{KindAnalyze, "collect the inputs for the routine task"},
		{KindPublish, "publish the routine output"},
	},
	CategoryGeneral: {
		{KindAnalyze, "summarize the event and decide handling"},
		{KindRecord, "record the outcome"},
	},
}

// Synthesize expands an analysis into concrete steps. Simple work is capped
// at two steps so trivial events do not fan out into full playbooks.
func Synthesize(a Analysis) []stepTemplate {
	steps := stepTemplates[a.Category]
	if steps == nil {
		steps = stepTemplates[CategoryGeneral]
	}
	if a.Complexity == "simple" && len(steps) > 2 {
		steps = steps[:2]
	}
	out := make([]stepTemplate, len(steps))
	copy(out, steps)
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
