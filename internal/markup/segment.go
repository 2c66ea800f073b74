package markup

import (
	"time"

	"github.com/dlclark/regexp2"
)

// Kind identifies what a Segment holds.
type Kind int

const (
	// KindText is markdown prose that still needs the sanitizing renderer.
	KindText Kind = iota
	// KindCodeBlock is a fenced code block. Lang holds the fence info string, possibly empty.
	KindCodeBlock
	// KindMathBlock is display math delimited by $$.
	KindMathBlock
	// KindInlineCode is a single-backtick code span.
	KindInlineCode
	// KindInlineMath is inline math delimited by $ or \( \).
	KindInlineMath
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindCodeBlock:
		return "code_block"
	case KindMathBlock:
		return "math_block"
	case KindInlineCode:
		return "inline_code"
	case KindInlineMath:
		return "inline_math"
	}
	return "unknown"
}

// Segment is a classified span of chat text.
type Segment struct {
	Kind Kind
	Text string
	Lang string
}

// Text returns a plain text segment.
func Text(s string) Segment { return Segment{Kind: KindText, Text: s} }

type rule struct {
	name  string
	re    *regexp2.Regexp
	build func(m *regexp2.Match) Segment
}

const matchTimeout = time.Second

func compile(pattern string) *regexp2.Regexp {
	re := regexp2.MustCompile(pattern, regexp2.ECMAScript)
	re.MatchTimeout = matchTimeout
	return re
}

func group(m *regexp2.Match, n int) (string, bool) {
	g := m.GroupByNumber(n)
	if g == nil || len(g.Captures) == 0 {
		return "", false
	}
	return g.String(), true
}

// The order is load-bearing: fences are extracted before inline code so backticks inside a fenced
// block are never read as code spans, and display math before inline math for the same reason.
var rules = []rule{
	{
		name: "code-block",
		re:   compile("```(\\w*)\\n([\\s\\S]*?)\\n```"),
		build: func(m *regexp2.Match) Segment {
			lang, _ := group(m, 1)
			code, _ := group(m, 2)
			return Segment{Kind: KindCodeBlock, Lang: lang, Text: code}
		},
	},
	{
		name: "math-block",
		re:   compile(`\$\$([\s\S]*?)\$\$`),
		build: func(m *regexp2.Match) Segment {
			expr, _ := group(m, 1)
			return Segment{Kind: KindMathBlock, Text: expr}
		},
	},
	{
		name: "inline-code",
		re:   compile("`([^`\\n]+)`"),
		build: func(m *regexp2.Match) Segment {
			code, _ := group(m, 1)
			return Segment{Kind: KindInlineCode, Text: code}
		},
	},
	{
		name: "inline-math",
		re:   compile(`\$([^\n$]+)\$|\\\(([\s\S]*?)\\\)`),
		build: func(m *regexp2.Match) Segment {
			if expr, ok := group(m, 1); ok {
				return Segment{Kind: KindInlineMath, Text: expr}
			}
			expr, _ := group(m, 2)
			return Segment{Kind: KindInlineMath, Text: expr}
		},
	},
}

// Parse splits text into typed segments. Each rule only scans the text spans left unmatched by the
// rules before it; matched spans are opaque to later rules. The result depends on text alone, so
// re-segmenting a growing buffer after every chunk is safe. An unterminated fence at the tail of the
// buffer stays plain text until its closing delimiter arrives.
//
// Empty text yields no segments.
func Parse(text string) []Segment {
	if text == "" {
		return nil
	}
	segments := []Segment{Text(text)}
	for _, r := range rules {
		segments = r.apply(segments)
	}
	return segments
}

func (r rule) apply(segments []Segment) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind != KindText {
			out = append(out, seg)
			continue
		}
		out = append(out, r.split(seg.Text)...)
	}
	return out
}

// split runs the rule over one text span. regexp2 reports positions in runes, so the span is sliced
// as runes.
func (r rule) split(text string) []Segment {
	runes := []rune(text)
	var out []Segment
	last := 0

	m, err := r.re.FindStringMatch(text)
	for err == nil && m != nil {
		if m.Index > last {
			out = append(out, Text(string(runes[last:m.Index])))
		}
		out = append(out, r.build(m))
		last = m.Index + m.Length
		m, err = r.re.FindNextMatch(m)
	}
	// A timed out match leaves the rest of the span as text.
	if last < len(runes) {
		out = append(out, Text(string(runes[last:])))
	}
	return out
}
