package composer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/tokenize"
)

const defaultBudget = 2048

// InsufficientAnswer is the fixed reply when a document holds nothing
// relevant to the question.
const InsufficientAnswer = "The document does not contain relevant information."

const instructions = "You are a helpful assistant. Based on the context provided below, extract factual " +
	"information as accurately as possible. Only use the context to answer. If the answer is not " +
	"explicitly present, respond with '" + InsufficientAnswer + "'"

// Prompt is a composed generation prompt and the passages it carries, in
// the order they appear. Tokens counts the retrieved text only.
type Prompt struct {
	Text   string
	Used   []retrieval.Passage
	Tokens int
}

// Dropped returns how many of the offered passages did not fit.
func (p Prompt) Dropped(offered int) int { return offered - len(p.Used) }

// Composer assembles the answer prompt from a question and ranked passages
// under a budget on the tokens of retrieved text.
type Composer struct {
	Budget int
	tok    tokenize.Tokenizer
}

// New creates a Composer whose prompts carry at most budget tokens of
// passage text as counted by tok. If budget <= 0, the default (2048) is used; a nil tok uses the
// word-based estimator.
func New(budget int, tok tokenize.Tokenizer) *Composer {
	if budget <= 0 {
		budget = defaultBudget
	}
	if tok == nil {
		tok = tokenize.Estimator{}
	}
	return &Composer{Budget: budget, tok: tok}
}

// Compose builds the prompt. Passages are taken in the given rank order and
// the first one whose text would push the running total over budget stops
// the fill, so the passages kept are always a prefix of the input and
// anything dropped ranks below everything kept. The instructions and the
// question are not charged to the budget.
func (c *Composer) Compose(question string, passages []retrieval.Passage) (Prompt, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Prompt{}, fmt.Errorf("%w: empty question", ragerr.ErrInvalidInput)
	}

	var p Prompt
	for i, ps := range passages {
		n := c.tok.Count(strings.TrimSpace(ps.Text))
		if p.Tokens+n > c.Budget {
			break
		}
		p.Tokens += n
		p.Used = passages[:i+1]
	}
	p.Text = render(question, p.Used)
	return p, nil
}

func render(question string, passages []retrieval.Passage) string {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\nContext:\n")
	for i, ps := range passages {
		sb.WriteString("[")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString("] ")
		sb.WriteString(strings.TrimSpace(ps.Text))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
