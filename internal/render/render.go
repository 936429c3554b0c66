// Package render produces browser-safe and plain-text views of generated
// email HTML. The original HTML is never altered; these are display copies.
package render

import (
	"fmt"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Renderer holds the sanitiser policy and Markdown converter. It is safe for
// concurrent use.
type Renderer struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

var (
	defaultOnce     sync.Once
	defaultRenderer *Renderer
)

// New builds a Renderer with the UGC sanitiser policy.
func New() *Renderer {
	return &Renderer{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Default returns a shared Renderer.
func Default() *Renderer {
	defaultOnce.Do(func() { defaultRenderer = New() })
	return defaultRenderer
}

// Preview strips scripts, event handlers and other unsafe markup so the email
// can be embedded in the page.
func (r *Renderer) Preview(html string) string {
	return r.policy.Sanitize(html)
}

// Markdown converts the email HTML to Markdown for plain-text clients.
func (r *Renderer) Markdown(html string) (string, error) {
	out, err := r.md.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert email to markdown: %w", err)
	}
	return out, nil
}

// View is the display form of one email body.
type View struct {
	HTML     string `json:"html"`
	Preview  string `json:"preview"`
	Markdown string `json:"markdown"`
}

// Email renders all display forms of html. A failed Markdown conversion
// leaves Markdown empty.
func (r *Renderer) Email(html string) View {
	v := View{HTML: html, Preview: r.Preview(html)}
	if md, err := r.Markdown(html); err == nil {
		v.Markdown = md
	}
	return v
}
