package feed

import (
	"cmp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// Undetermined is the BCP 47 code stored when detection is not reliable.
var Undetermined = language.Und.String()

type LanguageDetector interface {
	Detect(text string) string
}

// WhatlangDetector detects languages with trigram statistics and reports
// them as BCP 47 base codes.
type WhatlangDetector struct{}

func NewLanguageDetector() *WhatlangDetector {
	return &WhatlangDetector{}
}

func (d *WhatlangDetector) Detect(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return Undetermined
	}

	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return Undetermined
	}

	tag, err := language.Parse(cmp.Or(info.Lang.Iso6391(), info.Lang.Iso6393()))
	if err != nil {
		return Undetermined
	}

	base, confidence := tag.Base()
	if confidence == language.No {
		return Undetermined
	}

	return base.String()
}

// EntryLanguage detects the language of an entry from its title and the
// text of its HTML content.
func EntryLanguage(d LanguageDetector, title, content string) string {
	return d.Detect(title + "\n" + PlainText(content))
}

// PlainText returns the visible text of an HTML fragment.
func PlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style").Remove()

	return strings.Join(strings.Fields(doc.Text()), " ")
}
