package markup

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strings"

	aistudio "github.com/MegaGrindStone/aistudio-relay"
	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
)

const codeStyle = "monokai"

// allowedTags is the complete set of elements a rendered text segment may contain.
var allowedTags = []string{
	"p", "br", "strong", "em", "a", "ul", "ol", "li", "blockquote", "code", "pre", "span",
}

var classPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\s./:]+$`)

// Renderer turns segments into HTML fragments. Text segments go through markdown and then an
// allow-list sanitizer; code and math segments are rendered by dedicated templates that only ever
// place user content in escaped positions.
type Renderer struct {
	text      goldmark.Markdown
	code      goldmark.Markdown
	policy    *bluemonday.Policy
	templates *template.Template
}

type codeBlock struct {
	Lang        string
	Code        string
	Highlighted template.HTML
}

// NewRenderer creates a Renderer with the markdown pipeline, the sanitizer policy, and the partial
// templates parsed from the embedded filesystem.
func NewRenderer() (Renderer, error) {
	tmpl, err := template.ParseFS(aistudio.TemplateFS, "templates/partials/*.html")
	if err != nil {
		return Renderer{}, fmt.Errorf("failed to parse partial templates: %w", err)
	}

	text := goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Typographer),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			renderer.WithNodeRenderers(util.Prioritized(classRenderer{}, 100)),
		),
	)

	code := goldmark.New(
		goldmark.WithExtensions(highlighting.NewHighlighting(
			highlighting.WithStyle(codeStyle),
			highlighting.WithFormatOptions(
				chromahtml.WithClasses(true),
				chromahtml.WithLineNumbers(true),
			),
		)),
	)

	return Renderer{
		text:      text,
		code:      code,
		policy:    sanitizePolicy(),
		templates: tmpl,
	}, nil
}

func sanitizePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(allowedTags...)
	p.AllowStandardURLs()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("target").Matching(regexp.MustCompile(`^_blank$`)).OnElements("a")
	p.AllowAttrs("rel").Matching(regexp.MustCompile(`^[a-z ]+$`)).OnElements("a")
	p.AllowAttrs("class").Matching(classPattern).Globally()
	return p
}

// RenderText converts a markdown text segment to sanitized HTML. Raw HTML in the input is never
// passed through, and anything outside the allow-list (event handler attributes, script, style,
// non-http URLs) is removed by the sanitizer regardless of what the markdown stage produced.
func (r Renderer) RenderText(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.text.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return strings.TrimSpace(r.policy.Sanitize(buf.String())), nil
}

// RenderSegment renders a single segment. Whitespace-only text segments render to an empty string.
func (r Renderer) RenderSegment(seg Segment) (string, error) {
	var sb strings.Builder
	switch seg.Kind {
	case KindText:
		if strings.TrimSpace(seg.Text) == "" {
			return "", nil
		}
		rendered, err := r.RenderText(seg.Text)
		if err != nil {
			return "", err
		}
		// rendered is the sanitizer's output.
		if err := r.templates.ExecuteTemplate(&sb, "text", template.HTML(rendered)); err != nil { //nolint:gosec
			return "", fmt.Errorf("failed to execute text template: %w", err)
		}
	case KindCodeBlock:
		cb, err := r.codeBlock(seg)
		if err != nil {
			return "", err
		}
		if err := r.templates.ExecuteTemplate(&sb, "code_block", cb); err != nil {
			return "", fmt.Errorf("failed to execute code_block template: %w", err)
		}
	case KindMathBlock:
		if err := r.templates.ExecuteTemplate(&sb, "math_block", seg.Text); err != nil {
			return "", fmt.Errorf("failed to execute math_block template: %w", err)
		}
	case KindInlineCode:
		if err := r.templates.ExecuteTemplate(&sb, "inline_code", seg.Text); err != nil {
			return "", fmt.Errorf("failed to execute inline_code template: %w", err)
		}
	case KindInlineMath:
		if err := r.templates.ExecuteTemplate(&sb, "inline_math", seg.Text); err != nil {
			return "", fmt.Errorf("failed to execute inline_math template: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown segment kind %d", seg.Kind)
	}
	return sb.String(), nil
}

// Render renders segments in order and concatenates the fragments.
func (r Renderer) Render(segments []Segment) (string, error) {
	var sb strings.Builder
	for _, seg := range segments {
		s, err := r.RenderSegment(seg)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// WriteCodeCSS writes the stylesheet for the class names used by highlighted code blocks.
func (r Renderer) WriteCodeCSS(w io.Writer) error {
	formatter := chromahtml.New(chromahtml.WithClasses(true), chromahtml.WithLineNumbers(true))
	return formatter.WriteCSS(w, styles.Get(codeStyle))
}

func (r Renderer) codeBlock(seg Segment) (codeBlock, error) {
	code := strings.TrimRight(strings.TrimLeft(seg.Text, "\n"), " \t\r\n")
	lang := seg.Lang
	if lang == "" {
		lang = "text"
	}

	f := fence(code)
	src := f + lang + "\n" + code + "\n" + f + "\n"

	var buf bytes.Buffer
	if err := r.code.Convert([]byte(src), &buf); err != nil {
		return codeBlock{}, fmt.Errorf("failed to highlight code: %w", err)
	}

	return codeBlock{
		Lang: lang,
		Code: code,
		// Chroma escapes every token it emits.
		Highlighted: template.HTML(buf.String()), //nolint:gosec
	}, nil
}

// fence returns a backtick fence longer than any backtick run inside code.
func fence(code string) string {
	longest, run := 0, 0
	for _, c := range code {
		if c != '`' {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	return strings.Repeat("`", max(3, longest+1))
}

// classRenderer overrides the default HTML of emphasis and links so they carry the front end's
// utility classes.
type classRenderer struct{}

func (c classRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindEmphasis, c.renderEmphasis)
	reg.Register(ast.KindLink, c.renderLink)
	reg.Register(ast.KindAutoLink, c.renderAutoLink)
}

func (c classRenderer) renderEmphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Emphasis)
	tag, class := "em", "italic"
	if n.Level == 2 {
		tag, class = "strong", "font-semibold"
	}
	if entering {
		_, _ = fmt.Fprintf(w, `<%s class="%s">`, tag, class)
	} else {
		_, _ = fmt.Fprintf(w, "</%s>", tag)
	}
	return ast.WalkContinue, nil
}

func (c classRenderer) renderLink(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Link)
	if entering {
		c.openLink(w, n.Destination)
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (c classRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.AutoLink)
	if !entering {
		return ast.WalkContinue, nil
	}
	url := n.URL(source)
	if n.AutoLinkType == ast.AutoLinkEmail && !bytes.HasPrefix(bytes.ToLower(url), []byte("mailto:")) {
		url = append([]byte("mailto:"), url...)
	}
	c.openLink(w, url)
	_, _ = w.Write(util.EscapeHTML(n.Label(source)))
	_, _ = w.WriteString("</a>")
	return ast.WalkContinue, nil
}

func (c classRenderer) openLink(w util.BufWriter, destination []byte) {
	_, _ = w.WriteString(`<a href="`)
	if !html.IsDangerousURL(destination) {
		_, _ = w.Write(util.EscapeHTML(util.URLEscape(destination, true)))
	}
	_, _ = w.WriteString(`" target="_blank" rel="noopener noreferrer" class="text-blue-500 hover:underline">`)
}
