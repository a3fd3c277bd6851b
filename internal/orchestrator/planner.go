package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hollis/autodev/internal/llm"
	"github.com/hollis/autodev/internal/persistence"
)

// planSchema is the contract the planning agent must satisfy. Anything else
// gets one repair retry, then PlanParseError.
const planSchema = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"verify": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

const plannerSystemPrompt = `You are the planning agent of an automated software-change pipeline.
Break the task into a short ordered list of implementation steps. Each step is
one coherent change an implementation agent can complete and verify on its own.
Respond with JSON only, matching:
{"steps":[{"title":"...","description":"...","verify":["shell command", "..."]}]}
The verify commands must exit zero when the step is done. Do not include prose
outside the JSON.`

// generateFunc is the agent call with guard and usage accounting already
// applied by the caller.
type generateFunc func(ctx context.Context, role llm.Role, msgs []llm.Message) (*llm.Completion, error)

// Planner turns agent output into a validated step list.
type Planner struct {
	schema *jsonschema.Schema
}

func NewPlanner() (*Planner, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Planner{schema: schema}, nil
}

// Plan asks the planning agent for a step list. A response that fails
// extraction or schema validation is retried exactly once with the validation
// error as a repair hint; a second failure returns PlanParseError.
func (p *Planner) Plan(ctx context.Context, generate generateFunc, task, hints, failureContext string) ([]persistence.PlannedStep, error) {
	var user strings.Builder
	user.WriteString("Task:\n")
	user.WriteString(task)
	if failureContext != "" {
		user.WriteString("\n\nThe previous plan failed. Produce a revised plan that avoids this failure:\n")
		user.WriteString(failureContext)
	}
	if hints != "" {
		user.WriteString("\n\nContext:\n")
		user.WriteString(hints)
	}

	msgs := []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: user.String()},
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := generate(ctx, llm.RolePlanner, msgs)
		if err != nil {
			return nil, err
		}
		steps, err := p.parse(out.Text)
		if err == nil {
			return steps, nil
		}
		lastErr = err
		msgs = append(msgs, llm.Message{Role: "assistant", Content: out.Text})
		msgs = append(msgs, llm.Message{Role: "user", Content: fmt.Sprintf(
			"Your response was rejected: %v\nRespond again with only the JSON object, nothing else.", err)})
	}
	return nil, &PlanParseError{Attempts: 2, Err: lastErr}
}

func (p *Planner) parse(text string) ([]persistence.PlannedStep, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("response contains no JSON")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var doc struct {
		Steps []struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Verify      []string `json:"verify"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	steps := make([]persistence.PlannedStep, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		steps = append(steps, persistence.PlannedStep{
			Title:       s.Title,
			Description: s.Description,
			Verify:      s.Verify,
		})
	}
	return steps, nil
}

// extractJSON finds a JSON object in agent output, tolerating fenced blocks
// and surrounding prose.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object starting at s[0], respecting
// string literals and escapes.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1]
				}
			}
		}
	}
	return ""
}
