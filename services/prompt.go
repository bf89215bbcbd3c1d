package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

const analystPersona = "You are an expert financial analyst specializing in SEC filings. " +
	"You help investors and analysts understand complex financial documents by providing " +
	"accurate, detailed, and insightful analysis."

const analysisGuidelines = `IMPORTANT GUIDELINES:
- Only use information from the provided context
- Quote specific excerpts when making claims
- If asking about financial numbers, provide exact figures when available
- Explain financial terminology when necessary
- Highlight any limitations in the available data`

type PromptInput struct {
	Question string
	Document models.DocumentInfo
	// Chunks must be in similarity order, best first.
	Chunks            []models.ScoredChunk
	MaxResponseLength int
}

// Prompt is an assembled prompt and the chunks that made it in.
type Prompt struct {
	Text    string
	Used    []models.ScoredChunk
	Dropped int
}

// PromptService renders the analysis prompt within a character budget.
type PromptService struct {
	maxChars int
}

func NewPromptService(maxChars int) *PromptService {
	return &PromptService{maxChars: maxChars}
}

// Assemble keeps as many of the best chunks as fit the budget, dropping the
// lowest ranked first. Chunks are never cut. ContextTooLarge means the
// question and instructions plus the single best chunk exceed the budget.
func (ps *PromptService) Assemble(in PromptInput) (*Prompt, error) {
	n := len(in.Chunks)
	for ; n >= 0; n-- {
		text := renderPrompt(in, in.Chunks[:n])
		if ps.maxChars <= 0 || utf8.RuneCountInString(text) <= ps.maxChars {
			if n == 0 && len(in.Chunks) > 0 {
				break
			}
			return &Prompt{Text: text, Used: in.Chunks[:n], Dropped: len(in.Chunks) - n}, nil
		}
	}
	return nil, &apperr.Error{
		Kind:    apperr.KindContextTooLarge,
		Message: fmt.Sprintf("prompt does not fit in %d characters even with a single excerpt; raise MAX_PROMPT_CHARS or lower CHUNK_SIZE", ps.maxChars),
	}
}

func renderPrompt(in PromptInput, chunks []models.ScoredChunk) string {
	var b strings.Builder

	b.WriteString(analystPersona)
	b.WriteString("\n\nCONTEXT:\n")

	if info := filingInformation(in.Document); info != "" {
		b.WriteString("FILING INFORMATION:\n")
		b.WriteString(info)
		b.WriteString("\n")
	}

	b.WriteString("RELEVANT EXCERPTS:\n")
	if len(chunks) == 0 {
		b.WriteString("(no relevant excerpts were found in this filing)\n")
	}
	for i, c := range chunks {
		fmt.Fprintf(&b, "\nExcerpt %d:\n%s\n", i+1, strings.TrimSpace(c.Chunk.Text))
	}

	fmt.Fprintf(&b, "\nQUESTION: %s\n\n", strings.TrimSpace(in.Question))

	lengthInstruction := ""
	if in.MaxResponseLength > 0 {
		lengthInstruction = fmt.Sprintf("Keep your response under %d characters. ", in.MaxResponseLength)
	}
	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString("1. Analyze the provided SEC filing excerpts carefully\n")
	b.WriteString("2. Answer the question based ONLY on the information provided in the context\n")
	b.WriteString("3. If the information isn't available in the context, clearly state that\n")
	b.WriteString("4. Provide specific details, numbers, and quotes when available\n")
	b.WriteString("5. Be precise and professional in your response\n")
	fmt.Fprintf(&b, "6. %sStructure your response clearly with relevant headings if needed\n\n", lengthInstruction)

	b.WriteString(analysisGuidelines)
	b.WriteString("\n\nRESPONSE:")
	return b.String()
}

func filingInformation(doc models.DocumentInfo) string {
	var b strings.Builder
	line := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", label, value)
		}
	}
	line("Company Name", doc.Metadata.CompanyName)
	formType := doc.Metadata.FormType
	if formType == "" && doc.FilingType != models.FilingTypeOther {
		formType = string(doc.FilingType)
	}
	line("Form Type", formType)
	line("Filing Date", doc.Metadata.FilingDate)
	line("Source Url", doc.SourceURL)
	return b.String()
}
