package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Placement identifies the call site a script is allowed to run at.
type Placement int

const (
	PlacementMarkdownDisplay Placement = 0
	PlacementUserInput       Placement = 1
	PlacementAIOutput        Placement = 2
	PlacementSlashCommand    Placement = 3
	PlacementWorldInfo       Placement = 5
	PlacementReasoning       Placement = 6
)

// RegexScript is a single rewrite rule. The JSON shape matches what character
// cards embed under extensions.regex_scripts.
type RegexScript struct {
	ID           string      `json:"id"`
	Name         string      `json:"scriptName"`
	Disabled     bool        `json:"disabled"`
	RunOnEdit    bool        `json:"runOnEdit"`
	FindPattern  string      `json:"findRegex"`
	Replace      string      `json:"replaceString"`
	TrimStrings  []string    `json:"trimStrings"`
	Placement    []Placement `json:"placement"`
	MinDepth     *int        `json:"minDepth"`
	MaxDepth     *int        `json:"maxDepth"`
	MarkdownOnly bool        `json:"markdownOnly"`
	PromptOnly   bool        `json:"promptOnly"`
}

// Options parameterizes one render call.
type Options struct {
	Placement Placement
	Markdown  bool
	Prompt    bool
	Edit      bool
	// Depth is the distance from the newest message. Nil disables depth
	// filtering entirely.
	Depth *int
	// CharacterScripts run after the built-in set, in their stored order.
	CharacterScripts []RegexScript
}

// compilePattern turns a stored find pattern into a regexp. Patterns may be
// wrapped in /body/flags notation; recognized flags are s (dot matches
// newline) and i (case-insensitive). A g flag is accepted but meaningless
// since replacement is always global. Unwrapped patterns default to s.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	body := pattern
	dotAll := true
	ignoreCase := false

	if strings.HasPrefix(pattern, "/") {
		if last := strings.LastIndex(pattern, "/"); last > 0 {
			body = pattern[1:last]
			flags := pattern[last+1:]
			dotAll = strings.ContainsRune(flags, 's')
			ignoreCase = strings.ContainsRune(flags, 'i')
		}
	}

	var prefix string
	switch {
	case dotAll && ignoreCase:
		prefix = "(?si)"
	case dotAll:
		prefix = "(?s)"
	case ignoreCase:
		prefix = "(?i)"
	}

	re, err := regexp.Compile(prefix + body)
	if err != nil {
		return nil, fmt.Errorf("invalid find pattern %q: %w", pattern, err)
	}
	return re, nil
}

// applies reports whether the script is eligible for the given call site.
func (s *RegexScript) applies(opts Options) bool {
	if s.Disabled || s.FindPattern == "" {
		return false
	}

	markdownCondition := s.MarkdownOnly && opts.Markdown
	promptCondition := s.PromptOnly && opts.Prompt
	generalCondition := !s.MarkdownOnly && !s.PromptOnly && !opts.Markdown && !opts.Prompt
	if !markdownCondition && !promptCondition && !generalCondition {
		return false
	}

	if opts.Edit && !s.RunOnEdit {
		return false
	}

	if opts.Depth != nil {
		if s.MinDepth != nil && *opts.Depth < *s.MinDepth {
			return false
		}
		if s.MaxDepth != nil && *opts.Depth > *s.MaxDepth {
			return false
		}
	}

	for _, p := range s.Placement {
		if p == opts.Placement {
			return true
		}
	}
	return false
}

var groupRef = regexp.MustCompile(`\$(\d+)`)

// run applies the script once over the whole input, substituting $0..$n group
// references in the replacement. Captured groups have each trim string
// removed (first occurrence) before substitution.
func (s *RegexScript) run(re *regexp.Regexp, input string) string {
	matches := re.FindAllStringSubmatchIndex(input, -1)
	if matches == nil {
		return input
	}

	tmpl := strings.ReplaceAll(s.Replace, "{{match}}", "$0")

	var b strings.Builder
	b.Grow(len(input))
	last := 0
	for _, m := range matches {
		b.WriteString(input[last:m[0]])
		b.WriteString(s.expand(tmpl, input, m))
		last = m[1]
	}
	b.WriteString(input[last:])
	return b.String()
}

func (s *RegexScript) expand(tmpl, input string, m []int) string {
	return groupRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
		n, err := strconv.Atoi(ref[1:])
		if err != nil || 2*n+1 >= len(m) || m[2*n] < 0 {
			return ""
		}
		return s.trimGroup(input[m[2*n]:m[2*n+1]])
	})
}

func (s *RegexScript) trimGroup(group string) string {
	for _, t := range s.TrimStrings {
		group = strings.Replace(group, t, "", 1)
	}
	return group
}
