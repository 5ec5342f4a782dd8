// Package prompt selects system prompts and assembles the generator input
// from retrieved context, user memory, and conversation history.
package prompt

import "fmt"

// Mode selects which evidence sources a request uses and which system
// prompt frames the answer.
type Mode string

const (
	ModeCorpus   Mode = "corpus-only"
	ModeNotes    Mode = "notes-only"
	ModeWeb      Mode = "web-only"
	ModeCombined Mode = "combined"
)

// ParseMode validates a mode string from the API surface.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCorpus, ModeNotes, ModeWeb, ModeCombined:
		return Mode(s), nil
	case "":
		return ModeCorpus, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// UsesCorpus reports whether the mode runs the corpus branch.
func (m Mode) UsesCorpus() bool { return m == ModeCorpus || m == ModeCombined }

// UsesNotes reports whether the mode runs the notes branch.
func (m Mode) UsesNotes() bool { return m == ModeNotes || m == ModeCombined }

// UsesWeb reports whether the mode runs the web branch.
func (m Mode) UsesWeb() bool { return m == ModeWeb || m == ModeCombined }

// Mandatory returns the single source a mode cannot answer without, or ""
// for combined mode where any source suffices.
func (m Mode) Mandatory() string {
	switch m {
	case ModeCorpus:
		return "corpus"
	case ModeNotes:
		return "notes"
	case ModeWeb:
		return "web"
	}
	return ""
}

// systemPrompts is the fixed prompt table keyed by mode. Web and combined
// prompts forbid refusal-style non-answers when context is present.
var systemPrompts = map[Mode]string{
	ModeCorpus: `You are a research assistant answering from a private document collection. Answer strictly from the provided context blocks. Cite sources inline using the block labels, like [1] or [2]. If the context does not contain the answer, say so plainly.`,

	ModeNotes: `You are a personal knowledge assistant answering from the user's own notes. Answer from the provided note excerpts and cite the note paths using the block labels. If the notes say nothing relevant, say so plainly.`,

	ModeWeb: `You are a research assistant answering from freshly retrieved web pages. Answer from the provided context blocks and cite sources using the block labels. When context blocks are present, you must produce a substantive answer from them; do not respond that you cannot browse the web or that the information is unavailable. Only when no context blocks are present may you say the search found nothing.`,

	ModeCombined: `You are a research assistant with access to a private document collection, the user's notes, and freshly retrieved web pages. Answer from the provided context blocks, preferring documents over notes over web pages when they conflict, and cite sources using the block labels. When context blocks are present, you must produce a substantive answer from them; do not refuse or claim you lack access. Only when no context blocks are present may you say that nothing relevant was found.`,
}

// SystemPrompt returns the prompt for mode, or the user's stored override
// when non-empty.
func SystemPrompt(mode Mode, override string) string {
	if override != "" {
		return override
	}
	return systemPrompts[mode]
}
