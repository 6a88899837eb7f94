// Package signature attaches a sender's stored signature to a rendered
// email and derives a plain-text alternative from rich content. The
// plain-text conversion is intentionally conservative: strip markup,
// collapse whitespace runs, preserve one blank line between paragraphs.
// Round-tripping back to rich content is never expected.
package signature

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ignite/sequencer/internal/domain"
)

// Composed is the final rich/plain pair ready for a channel adapter.
type Composed struct {
	Rich  string
	Plain string
}

// Compose appends sender's signature to a rendered rich body and produces
// a plain-text alternative for the whole (body + signature) content.
func Compose(sender domain.Sender, renderedRichBody string) Composed {
	rich := renderedRichBody
	if sender.SignatureRich != "" {
		rich = rich + "<br><br>" + sender.SignatureRich
	}

	plain := HTMLToPlainText(rich)
	return Composed{Rich: rich, Plain: plain}
}

// HTMLToPlainText strips markup from html, collapsing whitespace runs
// within a block and separating block-level elements by a single blank
// line. Unparseable input is returned with tags stripped via a simple
// fallback rather than failing the send.
func HTMLToPlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(stripTagsFallback(html))
	}

	var paragraphs []string
	doc.Find("br").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml("\n")
	})

	blockSelector := "p, div, h1, h2, h3, h4, h5, h6, li, blockquote"
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		text := collapseWhitespace(s.Text())
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		// No recognizable block structure; fall back to the body's raw text,
		// splitting on the newlines we just substituted for <br>.
		bodyText := doc.Find("body").Text()
		for _, line := range strings.Split(bodyText, "\n") {
			line = collapseWhitespace(line)
			if line != "" {
				paragraphs = append(paragraphs, line)
			}
		}
	}

	return strings.Join(paragraphs, "\n\n")
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// stripTagsFallback removes anything between angle brackets without
// parsing the document, used only when goquery cannot parse the input.
func stripTagsFallback(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}
