package render

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"
)

// quoteSentinel temporarily stands in for double quotes so that neither the
// quote wrapper nor the markdown converter can touch quotes that belong to
// HTML attributes or plain prose.
const quoteSentinel = "￾"

var (
	htmlTagRe = regexp.MustCompile(`<([^>]+)>`)

	// One alternation, matching the recognized protected spans first
	// (style blocks, code fences, inline code) and then the six quote
	// styles as capture groups 1..6. Quote spans never cross newlines.
	quoteSpanRe = regexp.MustCompile("(?i)<style>[\\s\\S]*?</style>" +
		"|```[\\s\\S]*?```" +
		"|~~~[\\s\\S]*?~~~" +
		"|``[\\s\\S]*?``" +
		"|`[\\s\\S]*?`" +
		`|(".*?")` +
		`|(\x{201C}.*?\x{201D})` +
		`|(\x{00AB}.*?\x{00BB})` +
		`|(\x{300C}.*?\x{300D})` +
		`|(\x{300E}.*?\x{300F})` +
		`|(\x{FF02}.*?\x{FF02})`)

	codeSpanRe = regexp.MustCompile(`(?s)<code[^>]*>.*?</code>`)
	brTagRe    = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// Pipeline converts raw generated text into display-ready HTML. It holds no
// mutable state between calls: renders are pure, deterministic and safe to
// run concurrently.
type Pipeline struct {
	builtins []RegexScript
	md       goldmark.Markdown
	logger   zerolog.Logger
}

// NewPipeline builds a pipeline with the built-in script set and a GFM
// markdown converter.
func NewPipeline(logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		builtins: BuiltinScripts(),
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				ghtml.WithHardWraps(),
				ghtml.WithUnsafe(),
			),
		),
		logger: logger,
	}
}

// Render runs the full pipeline: built-in scripts, character scripts, quote
// wrapping, markdown conversion and HTML cleanup. It never fails; a broken
// script or unconvertible input only degrades the output.
func (p *Pipeline) Render(raw string, opts Options) string {
	scripts := make([]RegexScript, 0, len(p.builtins)+len(opts.CharacterScripts))
	scripts = append(scripts, p.builtins...)
	scripts = append(scripts, opts.CharacterScripts...)

	out := ApplyScripts(scripts, opts, raw, p.logger)
	out = wrapQuotes(out)
	out = strings.ReplaceAll(out, `\begin{align*}`, "$$")
	out = strings.ReplaceAll(out, `\end{align*}`, "$$")
	out = p.toHTML(out)
	return strings.ReplaceAll(out, quoteSentinel, `"`)
}

// wrapQuotes wraps recognized quoted spans in <q> markup, keeping the quote
// glyphs. Quotes inside HTML tags are shielded first so attribute values
// survive, and every remaining double quote is left sentineled so the
// markdown stage cannot entity-escape it.
func wrapQuotes(s string) string {
	s = htmlTagRe.ReplaceAllStringFunc(s, func(tag string) string {
		return strings.ReplaceAll(tag, `"`, quoteSentinel)
	})

	matches := quoteSpanRe.FindAllStringSubmatchIndex(s, -1)
	if matches != nil {
		var b strings.Builder
		b.Grow(len(s))
		last := 0
		for _, m := range matches {
			b.WriteString(s[last:m[0]])
			span := s[m[0]:m[1]]
			if quoteGroupMatched(m) {
				b.WriteString("<q>")
				b.WriteString(span)
				b.WriteString("</q>")
			} else {
				// style block or code span, left untouched
				b.WriteString(span)
			}
			last = m[1]
		}
		b.WriteString(s[last:])
		s = b.String()
	}

	return strings.ReplaceAll(s, `"`, quoteSentinel)
}

func quoteGroupMatched(m []int) bool {
	for g := 1; g <= 6; g++ {
		if 2*g+1 < len(m) && m[2*g] >= 0 {
			return true
		}
	}
	return false
}

// toHTML converts markdown to HTML, then repairs what the conversion does to
// code blocks: newlines introduced inside <code> are stripped, literal <br>
// tags become plain newlines, and &amp; is un-escaped inside <code> only.
func (p *Pipeline) toHTML(s string) string {
	var buf bytes.Buffer
	if err := p.md.Convert([]byte(s), &buf); err != nil {
		p.logger.Warn().Err(err).Msg("markdown conversion failed, returning text unconverted")
		return strings.TrimSpace(s)
	}

	out := buf.String()
	out = codeSpanRe.ReplaceAllStringFunc(out, func(code string) string {
		return strings.ReplaceAll(code, "\n", "")
	})
	out = brTagRe.ReplaceAllString(out, "\n")
	out = strings.TrimSpace(out)
	out = codeSpanRe.ReplaceAllStringFunc(out, func(code string) string {
		return strings.ReplaceAll(code, "&amp;", "&")
	})
	return out
}
