// ABOUTME: Prompt assembler turning page context and a user prompt into engine input text
// ABOUTME: Page HTML is converted to markdown and trimmed; the user's words always come last

package prompt

import (
	"errors"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Intents a caller can request without writing a prompt.
const (
	IntentExplain   = "explain"
	IntentTranslate = "translate"
	IntentSummarize = "summarize"
	IntentRewrite   = "rewrite"
)

// DefaultMaxContentChars bounds the page content included in a prompt.
const DefaultMaxContentChars = 12000

// ErrEmpty is returned when there is neither a prompt nor anything to act on.
var ErrEmpty = errors.New("prompt is empty")

// PageContext is what a caller knows about the page the user is looking at.
type PageContext struct {
	URL          string `json:"url,omitempty"`
	PageTitle    string `json:"pageTitle,omitempty"`
	SelectedText string `json:"selectedText,omitempty"`
	PageContent  string `json:"pageContent,omitempty"` // plain text
	HTML         string `json:"html,omitempty"`        // converted to markdown when PageContent is empty
	Intent       string `json:"intent,omitempty"`
	Language     string `json:"language,omitempty"` // target language for translate
}

// Assembler builds prompts.
type Assembler struct {
	maxContentChars int
}

// NewAssembler creates an assembler. maxContentChars <= 0 means
// DefaultMaxContentChars.
func NewAssembler(maxContentChars int) *Assembler {
	if maxContentChars <= 0 {
		maxContentChars = DefaultMaxContentChars
	}
	return &Assembler{maxContentChars: maxContentChars}
}

// Assemble returns the text sent to the engine. With no context the prompt
// is returned trimmed and unchanged.
func (a *Assembler) Assemble(prompt string, pc *PageContext) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if pc == nil {
		if prompt == "" {
			return "", ErrEmpty
		}
		return prompt, nil
	}

	selected := strings.TrimSpace(pc.SelectedText)
	if prompt == "" && selected == "" {
		return "", ErrEmpty
	}

	var b strings.Builder
	if line := instruction(pc.Intent, pc.Language); line != "" {
		b.WriteString(line)
		b.WriteString("\n\n")
	}

	switch {
	case pc.PageTitle != "" && pc.URL != "":
		fmt.Fprintf(&b, "Page: %s (%s)\n\n", pc.PageTitle, pc.URL)
	case pc.PageTitle != "":
		fmt.Fprintf(&b, "Page: %s\n\n", pc.PageTitle)
	case pc.URL != "":
		fmt.Fprintf(&b, "Page: %s\n\n", pc.URL)
	}

	content, err := a.pageContent(pc)
	if err != nil {
		return "", err
	}
	if content != "" {
		b.WriteString("Page content:\n")
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	if selected != "" && prompt != "" {
		b.WriteString("Selected text:\n\"\"\"\n")
		b.WriteString(selected)
		b.WriteString("\n\"\"\"\n\n")
	}

	// The subject goes last: the user's words, or the selection itself.
	if prompt != "" {
		b.WriteString(prompt)
	} else {
		b.WriteString(selected)
	}
	return b.String(), nil
}

func (a *Assembler) pageContent(pc *PageContext) (string, error) {
	content := strings.TrimSpace(pc.PageContent)
	if content == "" && strings.TrimSpace(pc.HTML) != "" {
		md, err := htmltomarkdown.ConvertString(pc.HTML)
		if err != nil {
			return "", fmt.Errorf("convert page to markdown: %w", err)
		}
		content = strings.TrimSpace(md)
	}
	if r := []rune(content); len(r) > a.maxContentChars {
		content = string(r[:a.maxContentChars]) + "\n\n[Content truncated]"
	}
	return content, nil
}

func instruction(intent, language string) string {
	switch strings.ToLower(intent) {
	case IntentExplain:
		return "Explain the following text in plain terms."
	case IntentTranslate:
		if language == "" {
			language = "English"
		}
		return fmt.Sprintf("Translate the following text into %s.", language)
	case IntentSummarize:
		return "Summarize the following text."
	case IntentRewrite:
		return "Rewrite the following text to improve clarity."
	default:
		return ""
	}
}
