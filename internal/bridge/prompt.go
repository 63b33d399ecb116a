package bridge

import (
	"fmt"
	"strings"
)

// OpenedFiles carries the host's editor context for the system-prompt
// addendum. The bridge treats it as opaque input; collection is host-owned.
type OpenedFiles struct {
	Active     string   `json:"active,omitempty"`
	Files      []string `json:"files,omitempty"`
	Selection  string   `json:"selection,omitempty"`
	IsQuickFix bool     `json:"isQuickFix,omitempty"`
}

// BuildAddendum renders the system-prompt addendum from editor context and
// the host's agent prompt. Quick-fix requests get a narrower preamble that
// keeps the agent focused on the selection.
func BuildAddendum(of *OpenedFiles, agentPrompt string) string {
	var sections []string

	if of != nil {
		if of.IsQuickFix {
			sections = append(sections, quickFixContext(of))
		} else {
			sections = append(sections, editorContext(of))
		}
	}
	if agentPrompt != "" {
		sections = append(sections, agentPrompt)
	}

	var out []string
	for _, s := range sections {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}

func editorContext(of *OpenedFiles) string {
	var sb strings.Builder
	if of.Active != "" {
		fmt.Fprintf(&sb, "The user currently has %s open in their editor.\n", of.Active)
	}
	if len(of.Files) > 0 {
		sb.WriteString("Other open files:\n")
		for _, f := range of.Files {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if of.Selection != "" {
		fmt.Fprintf(&sb, "The user has selected the following text:\n%s\n", of.Selection)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func quickFixContext(of *OpenedFiles) string {
	var sb strings.Builder
	sb.WriteString("This is a quick-fix request. Address only the highlighted problem; do not refactor unrelated code.")
	if of.Active != "" {
		fmt.Fprintf(&sb, "\nFile: %s", of.Active)
	}
	if of.Selection != "" {
		fmt.Fprintf(&sb, "\nProblem context:\n%s", of.Selection)
	}
	return sb.String()
}
