package grades

// ChangeKind classifies one exam-level difference.
type ChangeKind string

const (
	ExamAdded   ChangeKind = "added"
	ExamChanged ChangeKind = "changed"
	ExamRemoved ChangeKind = "removed"
)

// ExamChange is one exam-level difference inside an updated course.
type ExamChange struct {
	Kind  ChangeKind `json:"kind"`
	Label string     `json:"label"`
	Old   string     `json:"old,omitempty"`
	New   string     `json:"new,omitempty"`
}

// CourseUpdate describes a course whose exam list changed. Changes may be
// empty when only the order moved; callers fall back to a generic update
// line in that case.
type CourseUpdate struct {
	Name    string       `json:"name"`
	Old     []Exam       `json:"old,omitempty"`
	New     []Exam       `json:"new,omitempty"`
	Changes []ExamChange `json:"changes,omitempty"`
}

// Changes buckets the comparison of two course lists. Courses are keyed by
// name; bucket order follows the new list, removed courses follow the old.
type Changes struct {
	New       []Course       `json:"new,omitempty"`
	Updated   []CourseUpdate `json:"updated,omitempty"`
	Removed   []Course       `json:"removed,omitempty"`
	Unchanged []string       `json:"unchanged,omitempty"`
}

// Changed reports whether anything differs between the two lists.
func (c Changes) Changed() bool {
	return len(c.New) > 0 || len(c.Updated) > 0 || len(c.Removed) > 0
}

// Diff compares two course lists by course name.
func Diff(old, new []Course) Changes {
	oldByName := make(map[string]Course, len(old))
	for _, c := range old {
		if _, ok := oldByName[c.Name]; !ok {
			oldByName[c.Name] = c
		}
	}

	var out Changes
	newNames := make(map[string]struct{}, len(new))
	for _, nc := range new {
		if _, dup := newNames[nc.Name]; dup {
			continue
		}
		newNames[nc.Name] = struct{}{}

		oc, ok := oldByName[nc.Name]
		if !ok {
			out.New = append(out.New, nc)
			continue
		}
		if examsEqual(oc.Exams, nc.Exams) {
			out.Unchanged = append(out.Unchanged, nc.Name)
			continue
		}
		out.Updated = append(out.Updated, CourseUpdate{
			Name:    nc.Name,
			Old:     oc.Exams,
			New:     nc.Exams,
			Changes: diffExams(oc.Exams, nc.Exams),
		})
	}

	seenRemoved := make(map[string]struct{})
	for _, oc := range old {
		if _, ok := newNames[oc.Name]; ok {
			continue
		}
		if _, dup := seenRemoved[oc.Name]; dup {
			continue
		}
		seenRemoved[oc.Name] = struct{}{}
		out.Removed = append(out.Removed, oc)
	}
	return out
}

// diffExams compares two exam lists by label. Duplicate labels within one
// list collapse to their first occurrence.
func diffExams(old, new []Exam) []ExamChange {
	oldScore := make(map[string]string, len(old))
	for _, e := range old {
		if _, ok := oldScore[e.Label]; !ok {
			oldScore[e.Label] = e.Score
		}
	}

	var changes []ExamChange
	seen := make(map[string]struct{}, len(new))
	for _, e := range new {
		if _, dup := seen[e.Label]; dup {
			continue
		}
		seen[e.Label] = struct{}{}

		oldS, ok := oldScore[e.Label]
		switch {
		case !ok:
			changes = append(changes, ExamChange{Kind: ExamAdded, Label: e.Label, New: e.Score})
		case oldS != e.Score:
			changes = append(changes, ExamChange{Kind: ExamChanged, Label: e.Label, Old: oldS, New: e.Score})
		}
	}

	reported := make(map[string]struct{})
	for _, e := range old {
		if _, ok := seen[e.Label]; ok {
			continue
		}
		if _, dup := reported[e.Label]; dup {
			continue
		}
		reported[e.Label] = struct{}{}
		changes = append(changes, ExamChange{Kind: ExamRemoved, Label: e.Label, Old: e.Score})
	}
	return changes
}

// examsEqual is an ordered comparison: the portal's row order is part of
// the snapshot, so a reorder counts as an update.
func examsEqual(a, b []Exam) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
