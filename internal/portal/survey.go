package portal

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	logx "ubysbot/pkg/logx"
)

// CompleteSurvey answers the course survey standing between this session and
// the grades page at pageURL: it locates the survey link on the page, loads
// the form and submits it with the first offered choice for every question.
// The caller refetches the grades page afterwards.
func (c *Client) CompleteSurvey(ctx context.Context, pageURL string) error {
	page, err := c.get(ctx, pageURL)
	if err != nil {
		return fmt.Errorf("survey page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return fmt.Errorf("survey page parse: %w", err)
	}

	href := findSurveyLink(doc)
	if href == "" {
		return ErrNoSurveyLink
	}
	surveyURL := c.resolveURL(href)

	formPage, err := c.get(ctx, surveyURL)
	if err != nil {
		return fmt.Errorf("survey form: %w", err)
	}
	formDoc, err := goquery.NewDocumentFromReader(strings.NewReader(formPage))
	if err != nil {
		return fmt.Errorf("survey form parse: %w", err)
	}

	form := formDoc.Find("form").First()
	if form.Length() == 0 {
		return ErrNoSurveyForm
	}
	action, _ := form.Attr("action")
	if strings.TrimSpace(action) == "" {
		return ErrNoSurveyForm
	}

	data := collectSurveyAnswers(form)
	if _, err := c.postForm(ctx, c.resolveURL(action), data); err != nil {
		return fmt.Errorf("survey submit: %w", err)
	}

	c.log.Info("survey submitted",
		logx.String("user", c.creds.Username),
		logx.Int("fields", len(data)),
	)
	return nil
}

// findSurveyLink returns the href of the button that opens the survey. The
// portal renders it as an anchor styled as a button whose label contains
// both "anket" and "açmak".
func findSurveyLink(doc *goquery.Document) string {
	var href string
	doc.Find("a.btn").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if strings.Contains(text, "anket") && strings.Contains(text, "açmak") {
			href, _ = s.Attr("href")
			return false
		}
		return true
	})
	return strings.TrimSpace(href)
}

// collectSurveyAnswers walks the form inputs and picks the first offered
// value per field name (radio groups share a name, so this selects the
// first choice). Submit/button inputs are skipped; hidden fields and the
// like are carried through so the post stays valid.
func collectSurveyAnswers(form *goquery.Selection) url.Values {
	data := url.Values{}
	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		value, _ := in.Attr("value")
		if name == "" || value == "" {
			return
		}
		typ, _ := in.Attr("type")
		switch strings.ToLower(typ) {
		case "submit", "button":
			return
		}
		if data.Get(name) == "" {
			data.Set(name, value)
		}
	})
	return data
}
