// Package prompt assembles the grounded answering prompt: a strict
// French system prompt, the numbered context section, the recent
// conversation history and a response format hint inferred from the
// question. Every function is pure.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ancrage-ai/ancrage/llm"
)

// Source is one context document shown to the model. Retrieval scores
// never appear in the prompt.
type Source struct {
	Title   string
	Heading string
	Page    int
	Content string
}

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

const systemPrompt = `Tu es un assistant documentaire précis. Tu réponds en français, uniquement à partir des extraits de documents fournis.

Règles :
1. N'affirme que ce que les extraits fournis soutiennent directement. N'invente jamais de faits, de chiffres ou de références.
2. Cite chaque affirmation avec [Document N], où N est le numéro de l'extrait utilisé.
3. Si les extraits ne permettent pas de répondre, dis-le explicitement au lieu de deviner.
4. Ne donne ni recommandation ni conseil qui ne figure pas dans les extraits.
5. N'utilise jamais de formules évasives comme "à titre indicatif" ou "processus générique".
6. Conserve la terminologie exacte des documents, notamment les références d'articles et de clauses.`

// System returns the system prompt, with the format hint appended when
// the question calls for a particular shape of answer.
func System(f Format) string {
	hint := formatHints[f]
	if hint == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\nFormat attendu : " + hint
}

// ContextSection renders the numbered document extracts. The numbering
// here is what [Document N] citations in the answer refer to.
func ContextSection(sources []Source) string {
	if len(sources) == 0 {
		return "Aucun extrait disponible."
	}
	var b strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&b, "[Document %d] %s", i+1, s.Title)
		if s.Heading != "" {
			fmt.Fprintf(&b, " | %s", s.Heading)
		}
		if s.Page > 0 {
			fmt.Fprintf(&b, " (page %d)", s.Page)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(s.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// HistoryWindow keeps the last window turns, oldest first.
func HistoryWindow(turns []Turn, window int) []Turn {
	if window <= 0 || len(turns) == 0 {
		return nil
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return turns
}

// Build assembles the full message list for a grounded answer: system
// prompt with format hint, trimmed history, then the context and
// question as the final user message.
func Build(question string, sources []Source, history []Turn, window int) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: System(DetectFormat(question))}}

	for _, t := range HistoryWindow(history, window) {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}

	user := fmt.Sprintf(`Extraits de documents :
%s

Question : %s

Réponds uniquement à partir des extraits ci-dessus, avec les citations [Document N].`,
		ContextSection(sources), question)

	return append(msgs, llm.Message{Role: "user", Content: user})
}

// titleAnswerChars bounds how much of the assistant reply the title
// prompt carries.
const titleAnswerChars = 300

// TitlePrompt asks for a short conversation title derived from the
// first exchange.
func TitlePrompt(question, answer string) string {
	if runes := []rune(answer); len(runes) > titleAnswerChars {
		answer = string(runes[:titleAnswerChars]) + "…"
	}
	return fmt.Sprintf(`Donne un titre court (au plus 50 caractères, sans guillemets) qui résume l'échange suivant. Réponds uniquement par le titre.

Question : %s

Réponse : %s`, question, answer)
}
