package risk

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"steward/internal/config"
	"steward/internal/domain"
)

// Assessment is the outcome of classifying a proposed action.
type Assessment struct {
	Level  string `json:"level" enum:"low,medium,high"`
	Reason string `json:"reason"`
}

// Action is the unit the classifier judges: what a step intends to do,
// described by its type and free text, plus structured hints.
type Action struct {
	Type        string
	Description string
	Metadata    map[string]any
}

// Classifier applies ordered rules to an action. Rules are checked from most
// to least restrictive so that high-risk signals always win over medium ones.
type Classifier struct {
	HighKeywords      []string
	MediumKeywords    []string
	SensitiveContexts []string
	PaymentHigh       float64
	PaymentMedium     float64
}

// FromConfig builds a classifier from the risk section of the config.
func FromConfig(cfg *config.Config) Classifier {
	return Classifier{
		HighKeywords:      cfg.Risk.HighKeywords,
		MediumKeywords:    cfg.Risk.MediumKeywords,
		SensitiveContexts: cfg.Risk.SensitiveContexts,
		PaymentHigh:       cfg.Risk.PaymentHigh,
		PaymentMedium:     cfg.Risk.PaymentMedium,
	}
}

var publicActionTypes = map[string]bool{
	"publish":     true,
	"social_post": true,
	"post":        true,
}

var amountPattern = regexp.MustCompile(`[\$€£]\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)

// Classify returns the risk level and the first rule that fired.
func (c Classifier) Classify(a Action) Assessment {
	text := strings.ToLower(a.Description)
	amount := c.extractAmount(a)

	for _, kw := range c.HighKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return Assessment{Level: domain.RiskHigh, Reason: fmt.Sprintf("high-risk keyword %q", kw)}
		}
	}
	if amount > c.PaymentHigh {
		return Assessment{Level: domain.RiskHigh, Reason: fmt.Sprintf("amount %.2f exceeds high threshold %.2f", amount, c.PaymentHigh)}
	}
	if truthy(a.Metadata["new_payee"]) {
		return Assessment{Level: domain.RiskHigh, Reason: "payment to a new payee"}
	}
	if a.Type == "file_delete" {
		return Assessment{Level: domain.RiskHigh, Reason: "file deletion"}
	}
	if amount > c.PaymentMedium {
		return Assessment{Level: domain.RiskMedium, Reason: fmt.Sprintf("amount %.2f exceeds medium threshold %.2f", amount, c.PaymentMedium)}
	}
	for _, kw := range c.MediumKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return Assessment{Level: domain.RiskMedium, Reason: fmt.Sprintf("medium-risk keyword %q", kw)}
		}
	}
	for _, ctxWord := range c.SensitiveContexts {
		if strings.Contains(text, strings.ToLower(ctxWord)) {
			return Assessment{Level: domain.RiskMedium, Reason: fmt.Sprintf("sensitive context %q", ctxWord)}
		}
	}
	if publicActionTypes[a.Type] {
		return Assessment{Level: domain.RiskMedium, Reason: "publicly visible action"}
	}
	if a.Type == "send" && truthy(a.Metadata["new_contact"]) {
		return Assessment{Level: domain.RiskMedium, Reason: "message to a new contact"}
	}
	return Assessment{Level: domain.RiskLow, Reason: "no risk rule matched"}
}

// Max returns the more restrictive of two levels.
func Max(a, b string) string {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(level string) int {
	switch level {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	default:
		return 0
	}
}

func (c Classifier) extractAmount(a Action) float64 {
	if v, ok := a.Metadata["amount"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	}
	m := amountPattern.FindStringSubmatch(a.Description)
	if len(m) == 2 {
		f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	default:
		return false
	}
}
