package memory

import (
	"fmt"
	"strings"

	"github.com/arcspace-ai/archon/internal/model"
)

// precedenceStatement opens every block. Hard rules (laws, guards,
// structural constraints) always outrank the soft preferences below.
const precedenceStatement = "Hard rules always win over the soft human preferences listed here."

// Format renders a memory into a fenced text block for prompt
// injection, bounded to MaxBlockBytes. When the full render exceeds
// the bound, examples are dropped first, then preferences, until it
// fits; the precedence statement and calibration hint are never
// dropped.
func Format(m Memory) string {
	examples := m.Examples
	prefs := m.Preferences

	for {
		block := render(m, prefs, examples)
		if len(block) <= MaxBlockBytes {
			return block
		}
		switch {
		case len(examples) > 0:
			examples = examples[:len(examples)-1]
		case len(prefs) > 0:
			prefs = prefs[:len(prefs)-1]
		default:
			return block[:MaxBlockBytes]
		}
	}
}

func render(m Memory, prefs []string, examples []Example) string {
	var b strings.Builder
	b.WriteString("```feedback-memory\n")
	b.WriteString(precedenceStatement)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Calibration: this user has been %s (false reject rate %.1f%%, false approve rate %.1f%%).\n",
		m.Hints.Strictness, m.Hints.FalseRejectRate, m.Hints.FalseApproveRate)

	if len(prefs) > 0 {
		b.WriteString("\nLearned preferences:\n")
		for _, p := range prefs {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	if len(examples) > 0 {
		b.WriteString("\nRecent decisions:\n")
		for _, e := range examples {
			fmt.Fprintf(&b, "- [%s]%s %s\n", e.Decision, contextTag(e.Context), e.Reason)
		}
	}

	b.WriteString("```\n")
	return b.String()
}

func contextTag(c model.FeedbackContext) string {
	parts := make([]string, 0, 3)
	if c.Room != "" {
		parts = append(parts, c.Room)
	}
	if c.SpaceType != "" {
		parts = append(parts, c.SpaceType)
	}
	if c.Camera != "" {
		parts = append(parts, c.Camera)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
