package render

import (
	"github.com/rs/zerolog"
)

// BuiltinScripts returns the process-wide rewrite rules applied before any
// character-specific scripts. Model output routinely carries thinking blocks,
// disclaimer wrappers, HTML comments and run-on ellipses that must never
// reach the client.
func BuiltinScripts() []RegexScript {
	maxDepthOne := 1
	maxDepthTen := 10
	minDepthEleven := 11

	return []RegexScript{
		{
			ID:           "3f8c2e1a-5b77-4d92-9c41-a8e06f13d2b4",
			Name:         "wrap user input",
			RunOnEdit:    true,
			FindPattern:  `^([\s\S]*)$`,
			Replace:      "<interactive_input>\n$1\n</interactive_input>",
			Placement:    []Placement{PlacementUserInput},
			MaxDepth:     &maxDepthOne,
			MarkdownOnly: true,
			PromptOnly:   true,
		},
		{
			ID:           "9d4b7a60-12c3-4f8e-b5a9-7e2c80d941f5",
			Name:         "strip model boilerplate",
			RunOnEdit:    true,
			FindPattern:  "/(<disclaimer>.*?</disclaimer>)|(<guifan>.*?</guifan>)|```start|<content>|</content>|```end|<done>|`<done>`|(<!--[\\s\\S]*?-->(\\s*))|(.*?</think(ing)?>(\\n)?)|(<think(ing)?>[\\s\\S]*</think(ing)?>(\\n)?)/gs",
			Replace:      "",
			Placement:    []Placement{PlacementAIOutput},
			MarkdownOnly: true,
			PromptOnly:   true,
		},
		{
			ID:           "c1e5f982-6ad4-43b7-8f20-3b9d57c6ae18",
			Name:         "condense ellipses",
			RunOnEdit:    true,
			FindPattern:  "/(?:……|…)+/g",
			Replace:      "",
			Placement:    []Placement{PlacementAIOutput},
			MarkdownOnly: true,
			PromptOnly:   true,
		},
		{
			ID:          "7b2a9c44-e1f8-4036-a5d7-90c4b82e63fa",
			Name:        "strip recent summary blocks",
			RunOnEdit:   true,
			FindPattern: `/<details>\s*<summary>\s*摘要\s*</summary>[\s\S]*?</details>/gsi`,
			Replace:     "",
			Placement:   []Placement{PlacementAIOutput},
			MaxDepth:    &maxDepthTen,
			PromptOnly:  true,
		},
		{
			ID:          "e6d03b5f-48a1-4c29-b7e6-15f8a92c04d3",
			Name:        "keep only summary in deep history",
			RunOnEdit:   true,
			FindPattern: `/([\s\S]*?<details>\s*<summary>\s*摘要\s*</summary>|</details>[\s\S]*?$)/gs`,
			Replace:     "",
			Placement:   []Placement{PlacementAIOutput},
			MinDepth:    &minDepthEleven,
			PromptOnly:  true,
		},
	}
}

// SelectApplicable filters scripts down to those eligible for the call site,
// preserving their order. Built-ins are expected first in the input slice.
func SelectApplicable(scripts []RegexScript, opts Options) []RegexScript {
	selected := make([]RegexScript, 0, len(scripts))
	for _, s := range scripts {
		if s.applies(opts) {
			selected = append(selected, s)
		}
	}
	return selected
}

// ApplyScripts folds the applicable scripts over the input sequentially.
// Each script transforms the previous script's output; this ordering is a
// contract and must not be parallelized or reordered. A script whose pattern
// fails to compile is skipped and logged, never fatal.
func ApplyScripts(scripts []RegexScript, opts Options, input string, logger zerolog.Logger) string {
	out := input
	for _, s := range SelectApplicable(scripts, opts) {
		re, err := compilePattern(s.FindPattern)
		if err != nil {
			logger.Warn().
				Str("script", s.Name).
				Err(err).
				Msg("skipping script with invalid pattern")
			continue
		}
		out = s.run(re, out)
	}
	return out
}
