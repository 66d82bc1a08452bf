package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/avdvelde/qualia/internal/annotation"
)

func TestKeywords_CountRendered(t *testing.T) {
	system, user := Keywords("I learned to verify AI answers.", 3)

	if !strings.Contains(system, "Exactly 3 keywords") {
		t.Error("system prompt should state the exact keyword count")
	}
	if !strings.Contains(system, "3. keyword three") {
		t.Error("format example should reach the requested count")
	}
	if strings.Contains(system, "4. keyword") {
		t.Error("format example should stop at the requested count")
	}
	if !strings.Contains(user, "I learned to verify AI answers.") {
		t.Error("user prompt should embed the document text")
	}
}

func TestKeywords_DefaultFive(t *testing.T) {
	system, _ := Keywords("text", 5)
	if !strings.Contains(system, "5. keyword five") {
		t.Error("five-keyword format should spell out all five lines")
	}
}

func TestSentiment_FormatInstructions(t *testing.T) {
	system, user := Sentiment("AI saved me hours of work.")

	for _, marker := range []string{"SENTIMENT:", "CONFIDENCE:", "EXPLANATION:"} {
		if !strings.Contains(system, marker) {
			t.Errorf("system prompt missing %q format marker", marker)
		}
	}
	if !strings.Contains(system, "positive/negative/neutral") {
		t.Error("system prompt should enumerate the labels")
	}
	if !strings.Contains(system, "high/medium/low") {
		t.Error("system prompt should enumerate the confidence bands")
	}
	if !strings.Contains(user, "AI saved me hours of work.") {
		t.Error("user prompt should embed the document text")
	}
}

func TestMemo_SentenceLines(t *testing.T) {
	system, user := Memo("reflection text", 3)

	if !strings.Contains(system, "consists of 3 short") {
		t.Error("system prompt should state the sentence count")
	}
	for i := 1; i <= 3; i++ {
		if !strings.Contains(system, fmt.Sprintf("[Sentence %d]", i)) {
			t.Errorf("output format missing sentence line %d", i)
		}
	}
	if strings.Contains(system, "[Sentence 4]") {
		t.Error("output format should stop at the requested count")
	}
	if !strings.Contains(user, "Generate 3 short sentences") {
		t.Error("user prompt should repeat the sentence count")
	}
}

func TestThemeProposal_TargetAndFormat(t *testing.T) {
	_, user := ThemeProposal([]string{"first reflection", "second reflection"}, 8)

	if !strings.Contains(user, "identify 8 main themes") {
		t.Error("user prompt should state the target theme count")
	}
	if !strings.Contains(user, "THEME 1: [name]") || !strings.Contains(user, "KEYWORDS: [keyword1") {
		t.Error("user prompt should show the exact block format")
	}
	if !strings.Contains(user, "Reflection 1: first reflection") {
		t.Error("documents should be numbered from 1")
	}
	if !strings.Contains(user, "Reflection 2: second reflection") {
		t.Error("all documents should appear when under the cap")
	}
}

func TestThemeProposal_CapsDocuments(t *testing.T) {
	texts := make([]string, 120)
	for i := range texts {
		texts[i] = fmt.Sprintf("reflection body %d", i)
	}

	_, user := ThemeProposal(texts, 8)

	if got := strings.Count(user, "Reflection "); got != 100 {
		t.Errorf("proposal includes %d documents, want 100", got)
	}
}

func TestThemeProposal_TruncatesLongText(t *testing.T) {
	long := strings.Repeat("a", 600)
	_, user := ThemeProposal([]string{long}, 8)

	if strings.Contains(user, strings.Repeat("a", 501)) {
		t.Error("document excerpt should be truncated to 500 runes")
	}
	if !strings.Contains(user, strings.Repeat("a", 500)) {
		t.Error("document excerpt should keep the first 500 runes")
	}
}

func TestThemeProposal_Deterministic(t *testing.T) {
	texts := []string{"one", "two", "three"}
	_, first := ThemeProposal(texts, 6)
	_, second := ThemeProposal(texts, 6)

	if first != second {
		t.Error("identical inputs should render identical prompts")
	}
}

func TestAssignment_ListsTaxonomy(t *testing.T) {
	tax := annotation.Taxonomy{Themes: []annotation.Theme{
		{ID: "T1", Label: "Critical Thinking", Description: "Questioning AI output."},
		{ID: "T2", Label: "Efficiency Gains", Description: "Saving time with AI."},
		{ID: "T3", Label: "Trust and Reliability", Description: "Doubting AI accuracy."},
	}}

	system, user := Assignment("the reflection", tax)

	if !strings.Contains(user, "1. Critical Thinking: Questioning AI output.") {
		t.Error("theme list should number labels with definitions")
	}
	if !strings.Contains(user, "theme number (1-3)") {
		t.Error("user prompt should bound the accepted numbers")
	}
	if !strings.Contains(user, "Format: [number]. [Theme Name]") {
		t.Error("user prompt should state the reply format")
	}
	if !strings.Contains(system, "only respond with the theme number and name") {
		t.Error("system prompt should demand a terse reply")
	}
}

func TestExcerpt_MultibyteSafe(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := excerpt(s, 4)
	if got != strings.Repeat("é", 4) {
		t.Errorf("excerpt = %q, want 4 whole runes", got)
	}
}
