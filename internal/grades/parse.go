package grades

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoCourseTable marks a page without the grades markup. The monitor uses
// it to tell a broken page apart from an empty grade list: survey and
// logged-out interstitials land here.
var ErrNoCourseTable = errors.New("course table not found")

// Parse extracts the course list from a grades page.
//
// The portal renders one course as two table rows: the first row's leading
// cell carries rowspan="2" and the second cell holds the course name; the
// row after it packs the exam entries into nested tables whose two-cell
// rows are (label, score).
func Parse(html string) ([]Course, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	table := findCourseTable(doc)
	if table == nil {
		return nil, ErrNoCourseTable
	}

	rows := tableRows(table)
	var courses []Course
	for i := 0; i < len(rows); {
		cells := rows[i].ChildrenFiltered("td")
		if !isCourseRow(cells) {
			i++
			continue
		}
		if c, ok := extractCourse(cells, rows, i); ok {
			courses = append(courses, c)
		}
		// A course spans two rows; skip past its exam row.
		i += 2
	}
	return courses, nil
}

// findCourseTable locates the grades table. The portal wraps it in
// div.table-responsive; older templates use other "table" classes.
func findCourseTable(doc *goquery.Document) *goquery.Selection {
	div := doc.Find("div.table-responsive").First()
	if div.Length() == 0 {
		div = doc.Find("div[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			class, _ := s.Attr("class")
			return strings.Contains(strings.ToLower(class), "table")
		}).First()
	}
	if div.Length() == 0 {
		return nil
	}
	table := div.Find("table").First()
	if table.Length() == 0 {
		return nil
	}
	return table
}

// tableRows returns the course rows: the tbody's direct children, or for
// tbody-less markup every row that carries no header cell.
func tableRows(table *goquery.Selection) []*goquery.Selection {
	var sel *goquery.Selection
	if tbody := table.ChildrenFiltered("tbody").First(); tbody.Length() > 0 {
		sel = tbody.ChildrenFiltered("tr")
	} else {
		sel = table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
			return tr.Find("th").Length() == 0
		})
	}
	var rows []*goquery.Selection
	sel.Each(func(_ int, tr *goquery.Selection) {
		rows = append(rows, tr)
	})
	return rows
}

func isCourseRow(cells *goquery.Selection) bool {
	if cells.Length() == 0 {
		return false
	}
	rs, ok := cells.First().Attr("rowspan")
	return ok && rs == "2"
}

func extractCourse(cells *goquery.Selection, rows []*goquery.Selection, i int) (Course, bool) {
	if cells.Length() < 2 {
		return Course{}, false
	}
	name := strings.TrimSpace(cells.Eq(1).Text())
	if name == "" {
		return Course{}, false
	}
	c := Course{Name: name}
	if i+1 < len(rows) {
		c.Exams = extractExams(rows[i+1])
	}
	return c, true
}

// extractExams walks a course's second row: each cell may hold a nested
// table listing (label, score) pairs.
func extractExams(row *goquery.Selection) []Exam {
	var exams []Exam
	row.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
		nested := td.Find("table").First()
		if nested.Length() == 0 {
			return
		}
		nested.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			cells := tr.ChildrenFiltered("td")
			if cells.Length() != 2 {
				return
			}
			exams = append(exams, Exam{
				Label: strings.TrimSpace(cells.Eq(0).Text()),
				Score: strings.TrimSpace(cells.Eq(1).Text()),
			})
		})
	})
	return exams
}
