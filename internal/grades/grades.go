// Package grades turns the portal's grades page into structured course data
// and computes what changed between two observations.
//
// Parsing and diffing are pure: no I/O, no notification concerns. The
// monitor decides what to do with the result.
package grades

import (
	"encoding/json"
	"fmt"
)

// Exam is one graded item of a course as the portal lists it. Score is kept
// verbatim; the portal mixes numbers with placeholders like "Gİ" or "--".
type Exam struct {
	Label string `json:"label"`
	Score string `json:"score"`
}

// Course is one course row with its exam entries in portal order.
type Course struct {
	Name  string `json:"name"`
	Exams []Exam `json:"exams,omitempty"`
}

// EncodeCourses serializes a course list for snapshot storage.
func EncodeCourses(courses []Course) (json.RawMessage, error) {
	b, err := json.Marshal(courses)
	if err != nil {
		return nil, fmt.Errorf("encode courses: %w", err)
	}
	return b, nil
}

// DecodeCourses restores a course list from a stored snapshot. Empty input
// decodes to an empty list.
func DecodeCourses(raw json.RawMessage) ([]Course, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Course
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode courses: %w", err)
	}
	return out, nil
}
