// Package prompt renders the per-stage instructions sent to the model.
// Rendering is pure: the same inputs always produce the same system and
// user strings, and every prompt states the exact reply format the response
// parser accepts.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/avdvelde/qualia/internal/annotation"
)

const (
	// maxProposalDocs caps how many documents feed the taxonomy proposal.
	maxProposalDocs = 100
	// proposalExcerptLen caps the excerpt per document in the proposal.
	proposalExcerptLen = 500
)

// Keywords renders the keyword extraction prompt for one document.
func Keywords(text string, n int) (system, user string) {
	var format strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&format, "%d. keyword %s\n", i, numberWord(i))
	}

	system = fmt.Sprintf(`You are an expert in qualitative analysis. Extract the %d most important keywords from student reflections about generative AI.

RULES:
- Exactly %d keywords (no more, no less)
- Use 1-3 words per keyword
- Focus on concrete concepts and experiences
- Prefer English terms
- Avoid generic words like "AI" or "student"

FORMAT (use exactly this format):
%s
No extra text, only the numbered list.`, n, n, format.String())

	user = fmt.Sprintf(`Analyze the following student reflection and identify the %d most important keywords or concepts:

REFLECTION:
%s

Provide a numbered list of exactly %d keywords:`, n, text, n)

	return system, user
}

// Sentiment renders the attitude classification prompt for one document.
func Sentiment(text string) (system, user string) {
	system = `You are an expert in sentiment analysis. Analyze the overall attitude in student reflections about generative AI.

IMPORTANT: Use this exact format without extra text or markdown:

SENTIMENT: [positive/negative/neutral]
CONFIDENCE: [high/medium/low]
EXPLANATION: [one clear sentence explaining the student's attitude]

Category definitions:
- positive: sees AI as valuable, helpful, promising; emphasizes benefits and opportunities
- negative: concerned about AI, critical, emphasizes risks, drawbacks, fears, or limitations
- neutral: balanced view with both benefits and concerns equally weighted, or purely descriptive

CONFIDENCE reflects how clearly the reflection signals the attitude:
- high: the attitude is explicit and consistent throughout
- medium: the attitude is present but mixed with other signals
- low: the attitude is implicit, ambiguous, or barely signalled`

	user = fmt.Sprintf(`Analyze this student reflection about generative AI and determine the student's overall attitude:

REFLECTION:
%s

Provide your analysis:`, text)

	return system, user
}

// Memo renders the analytic memo prompt for one document.
func Memo(text string, sentences int) (system, user string) {
	var lines strings.Builder
	for i := 1; i <= sentences; i++ {
		fmt.Fprintf(&lines, "\n[Sentence %d]", i)
	}

	system = fmt.Sprintf(`You are an expert in qualitative analysis of educational research. Your task is to write compact analytic memos for student reflections about generative AI.

An analytic memo consists of %d short, informative sentences that describe:
1. What the student learned or discovered
2. How their attitude or understanding changed
3. What new insights or awareness emerged

Examples of good memo sentences:
- "Became aware of hallucination risk in AI outputs"
- "Now checks AI sources before using them in academic work"
- "Developed more critical stance toward AI reliability"
- "Learned importance of prompt engineering"

Write concretely and action-oriented. Avoid vague statements.

Output format:
MEMO:%s`, sentences, lines.String())

	user = fmt.Sprintf(`Write an analytic memo for this student reflection about generative AI.

REFLECTION:
%s

Generate %d short sentences that describe what the student learned or how their attitude changed:`, text, sentences)

	return system, user
}

// ThemeProposal renders the corpus-wide taxonomy prompt. Only the first
// maxProposalDocs texts are included, each truncated to proposalExcerptLen
// runes, so the prompt fits a local model's context window.
func ThemeProposal(texts []string, target int) (system, user string) {
	if len(texts) > maxProposalDocs {
		texts = texts[:maxProposalDocs]
	}

	var sb strings.Builder
	for i, text := range texts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Reflection %d: %s", i+1, excerpt(text, proposalExcerptLen))
	}

	system = "You are an expert qualitative researcher specializing in thematic analysis of student reflections."

	user = fmt.Sprintf(`You are analyzing student reflections about their experiences with generative AI.

Please read through ALL the reflections below and identify %d main themes or topics that emerge across these reflections.

REFLECTIONS:
%s

Based on these reflections, identify %d themes. For each theme, provide:
1. A clear, concise theme name (2-5 words)
2. A definition explaining what the theme is about (2-3 sentences)
3. Key concepts or keywords associated with this theme (5-10 words)

Format your response EXACTLY like this (no extra text, no markdown):

THEME 1: [name]
DEFINITION: [explanation]
KEYWORDS: [keyword1, keyword2, keyword3, ...]

THEME 2: [name]
DEFINITION: [explanation]
KEYWORDS: [keyword1, keyword2, keyword3, ...]

Continue for all %d themes.

IMPORTANT:
- Choose themes that are actually present in the reflections above
- Make theme names descriptive and distinct from each other
- Write in English
- No markdown formatting (no ** or *)`, target, sb.String(), target, target)

	return system, user
}

// Assignment renders the per-document theme assignment prompt against an
// established taxonomy.
func Assignment(text string, tax annotation.Taxonomy) (system, user string) {
	var list strings.Builder
	for i, th := range tax.Themes {
		if i > 0 {
			list.WriteString("\n")
		}
		fmt.Fprintf(&list, "%d. %s: %s", i+1, th.Label, th.Description)
	}

	system = "You are an expert at categorizing student reflections into themes. Be concise and only respond with the theme number and name."

	user = fmt.Sprintf(`You have identified the following themes from student reflections about generative AI:

%s

Now, read this specific reflection and assign it to the MOST APPROPRIATE theme from the list above:

REFLECTION:
%s

Which theme does this reflection belong to? Respond with ONLY the theme number (1-%d) and the theme name.

Format: [number]. [Theme Name]

For example: "1. Critical Thinking & Verification" or "3. Efficiency & Productivity"

Your answer:`, list.String(), text, len(tax.Themes))

	return system, user
}

var numberWords = []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten"}

func numberWord(n int) string {
	if n >= 1 && n <= len(numberWords) {
		return numberWords[n-1]
	}
	return strconv.Itoa(n)
}

// excerpt truncates to at most max runes, never splitting a character.
func excerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
