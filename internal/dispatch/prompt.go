package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/llm"
)

// Teaching approaches.
const (
	ApproachAuto       = "auto"
	ApproachStepByStep = "step_by_step"
	ApproachBasics     = "basics"
	ApproachExamples   = "examples"
	ApproachMistakes   = "mistakes"
)

type approach struct {
	name      string
	guideline string
	keywords  []string
}

// approaches is ordered; detection ties resolve to the earlier entry.
var approaches = []approach{
	{
		name:      ApproachStepByStep,
		guideline: "Break the problem into clear steps: identify the key components, apply the relevant formulas, show every calculation and explain each step.",
		keywords:  []string{"solve", "calculate", "find", "evaluate", "determine", "compute", "derive", "what is the value"},
	},
	{
		name:      ApproachBasics,
		guideline: "Explain the fundamentals first: the core principles, the formulas involved, key definitions and any prerequisites.",
		keywords:  []string{"explain", "what is", "define", "concept", "understand", "describe", "elaborate", "clarify", "how does", "why is"},
	},
	{
		name:      ApproachExamples,
		guideline: "Teach through examples: a solved example, its step-by-step solution, variations of the problem and practice problems.",
		keywords:  []string{"example", "similar", "practice", "show me", "demonstrate", "illustrate", "give an instance", "sample"},
	},
	{
		name:      ApproachMistakes,
		guideline: "Focus on common errors: typical mistakes, why they occur, how to avoid them and how to verify the answer.",
		keywords:  []string{"mistake", "error", "wrong", "incorrect", "avoid", "common problem", "pitfall", "caution", "be careful"},
	},
}

func knownApproach(name string) bool {
	for _, a := range approaches {
		if a.name == name {
			return true
		}
	}
	return false
}

func approachNames() []string {
	out := make([]string, 0, len(approaches))
	for _, a := range approaches {
		out = append(out, a.name)
	}
	return out
}

func approachGuideline(name string) string {
	for _, a := range approaches {
		if a.name == name {
			return a.guideline
		}
	}
	return approaches[0].guideline
}

// DetectApproach picks the approach whose keywords occur most often in the
// question, defaulting to step_by_step.
func DetectApproach(question string) string {
	q := strings.ToLower(question)
	best, bestHits := ApproachStepByStep, 0
	for _, a := range approaches {
		hits := 0
		for _, kw := range a.keywords {
			if strings.Contains(q, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = a.name, hits
		}
	}
	return best
}

func resolveApproach(c Context, question string) string {
	if c.Approach != "" && c.Approach != ApproachAuto && knownApproach(c.Approach) {
		return c.Approach
	}
	return DetectApproach(question)
}

var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"calculus", []string{"integral", "derivative", "differential", "integration", "limit"}},
	{"mechanics", []string{"velocity", "acceleration", "force", "motion"}},
	{"vectors", []string{"vector", "direction", "magnitude", "component"}},
	{"geometry", []string{"curve", "trajectory", "radius", "angle", "triangle", "circle"}},
	{"algebra", []string{"equation", "solve", "polynomial", "factor", "quadratic"}},
	{"physics", []string{"energy", "momentum", "work", "power"}},
	{"chemistry", []string{"mole", "reaction", "bond", "acid", "organic"}},
}

// ExtractTopics returns the topic tags whose keywords appear in text.
func ExtractTopics(text string) []string {
	t := strings.ToLower(text)
	var out []string
	for _, tk := range topicKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(t, kw) {
				out = append(out, tk.topic)
				break
			}
		}
	}
	return out
}

var complexityLevels = []struct {
	level      string
	indicators []string
}{
	{"advanced", []string{"curvature", "differential equation", "vector field", "complex"}},
	{"intermediate", []string{"integration", "derivative", "velocity", "function"}},
	{"basic", []string{"solve", "find", "calculate", "simple"}},
}

// AssessComplexity grades text as basic, intermediate or advanced.
func AssessComplexity(text string) string {
	t := strings.ToLower(text)
	for _, lvl := range complexityLevels {
		for _, ind := range lvl.indicators {
			if strings.Contains(t, ind) {
				return lvl.level
			}
		}
	}
	return "basic"
}

var subjectGuidance = map[string]string{
	"mathematics": "Use precise notation, state the theorems you rely on and simplify the final answer.",
	"math":        "Use precise notation, state the theorems you rely on and simplify the final answer.",
	"physics":     "Start from the governing laws, keep track of units and check the answer for physical sense.",
	"chemistry":   "Name the reaction types or principles involved and balance any equations you write.",
}

const basePrompt = `You are JEE Buddy, an expert tutor for JEE Physics, Chemistry and Mathematics.
Answer the student's question accurately and clearly. Structure the answer as:
**Concept Understanding**, **Step-by-Step Solution**, **Key Points to Remember**, **Similar Problem Types**.`

const maxTurnRunes = 2000

func buildSystemPrompt(c Context, approachName string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	if c.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", c.Subject)
		if g, ok := subjectGuidance[strings.ToLower(c.Subject)]; ok {
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	if c.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", c.Topic)
	}
	if c.InteractionType != "" && c.InteractionType != defaultInteractionType {
		fmt.Fprintf(&b, "Interaction type: %s\n", c.InteractionType)
	}
	fmt.Fprintf(&b, "Approach (%s): %s\n", approachName, approachGuideline(approachName))
	if c.PinnedText != "" {
		fmt.Fprintf(&b, "\nThe student pinned this reference material:\n\"\"\"\n%s\n\"\"\"\n", truncateRunes(c.PinnedText, maxTurnRunes))
	}
	if c.DeepThink {
		b.WriteString("\nThink carefully and verify every step before answering; prefer rigor over brevity.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildMessages assembles system prompt, history and the current question.
// recent is newest first, as returned by the store; it is presented
// oldest first and cut to the last window interactions.
func buildMessages(req Request, approachName string, recent []history.Interaction, window int) []llm.Message {
	if window > 0 && len(recent) > window {
		recent = recent[:window]
	}
	msgs := make([]llm.Message, 0, 2+2*len(recent))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(req.Context, approachName)})
	for i := len(recent) - 1; i >= 0; i-- {
		it := recent[i]
		if it.Question != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: truncateRunes(it.Question, maxTurnRunes)})
		}
		if it.Response != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: truncateRunes(it.Response, maxTurnRunes)})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: currentQuestion(req)})
	return msgs
}

func currentQuestion(req Request) string {
	if req.Context.SelectedText == "" {
		return req.Question
	}
	return fmt.Sprintf("Regarding this selected text:\n\"\"\"\n%s\n\"\"\"\n\n%s", truncateRunes(req.Context.SelectedText, maxTurnRunes), req.Question)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
