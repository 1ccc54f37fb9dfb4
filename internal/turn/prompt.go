package turn

import (
	"strings"

	"github.com/chatbranch/internal/llm"
	"github.com/chatbranch/internal/store"
)

// Default templates used when a room has no saved preset.
const (
	defaultOpeningTemplate = `You are roleplaying with {{user}}. Stay in character and write vivid, ` +
		`engaging replies. Never speak for {{user}}.

[Character]
{{character_description}}

[World]
{{entrie}}`

	defaultMessageTemplate = `{{user}}: {{message}}`
)

// promptValues carries everything the templates can reference.
type promptValues struct {
	Description     string
	Lore            string
	UserName        string
	LastUserMessage string
}

func substitute(template string, vals promptValues) string {
	r := strings.NewReplacer(
		"{{character_description}}", vals.Description,
		"{{entrie}}", vals.Lore,
		"{{user}}", vals.UserName,
		"{{lastUserMessage}}", vals.LastUserMessage,
		"{{message}}", vals.LastUserMessage,
	)
	return r.Replace(template)
}

// buildBlocks assembles the ordered model input. A saved preset drives the
// layout, with its chatHistory block spliced for the recent turns. Without a
// preset the opening template, the history, and the templated latest message
// are used instead; the history already ends with the user's turn, so the
// trailing block collapses into it during the merge.
func buildBlocks(preset *store.Preset, vals promptValues, history []llm.Block) ([]llm.Block, error) {
	if preset == nil {
		blocks := make([]llm.Block, 0, len(history)+2)
		blocks = append(blocks, llm.Block{
			Role: llm.RoleUser,
			Text: substitute(defaultOpeningTemplate, vals),
		})
		blocks = append(blocks, history...)
		blocks = append(blocks, llm.Block{
			Role: llm.RoleUser,
			Text: substitute(defaultMessageTemplate, vals),
		})
		return blocks, nil
	}

	layout, err := preset.Blocks()
	if err != nil {
		return nil, err
	}

	var blocks []llm.Block
	for _, block := range layout {
		if block.Identifier == "chatHistory" {
			blocks = append(blocks, history...)
			continue
		}
		role := block.Role
		if role == "" {
			role = llm.RoleUser
		}
		blocks = append(blocks, llm.Block{Role: role, Text: substitute(block.Content, vals)})
	}
	return blocks, nil
}

// mergeBlocks normalizes roles to user/model and concatenates adjacent
// same-role blocks with a blank line. The upstream generation call rejects
// consecutive blocks with the same role.
func mergeBlocks(blocks []llm.Block) []llm.Block {
	merged := make([]llm.Block, 0, len(blocks))
	for _, block := range blocks {
		role := block.Role
		switch role {
		case "system", "tool":
			role = llm.RoleUser
		case "assistant":
			role = llm.RoleModel
		}
		if role != llm.RoleUser && role != llm.RoleModel {
			continue
		}
		if len(merged) > 0 && merged[len(merged)-1].Role == role {
			merged[len(merged)-1].Text += "\n\n" + block.Text
			continue
		}
		merged = append(merged, llm.Block{Role: role, Text: block.Text})
	}
	return merged
}
