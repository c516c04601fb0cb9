package status

// Status is a task's lifecycle marker, persisted as a single bracket
// character in the checklist grammar.
type Status string

const (
	Pending Status = "PENDING"
	Active  Status = "ACTIVE"
	Done    Status = "DONE"
	Skipped Status = "SKIPPED"
)

// markerFor and statusForMarker are the canonical read/write mapping between
// on-disk bracket characters and Status values. Reading accepts the wider
// class [ /xX\-v]; writing always emits the canonical lowercase form so that
// re-serializing a document normalizes historical markers (resolves the
// "[v]/[X] both read as DONE, written as lowercase [x]" question).
func statusForMarker(mark byte) (Status, bool) {
	switch mark {
	case ' ':
		return Pending, true
	case '/':
		return Active, true
	case 'x', 'X', 'v':
		return Done, true
	case '-':
		return Skipped, true
	default:
		return "", false
	}
}

func markerFor(s Status) byte {
	switch s {
	case Pending:
		return ' '
	case Active:
		return '/'
	case Done:
		return 'x'
	case Skipped:
		return '-'
	default:
		return ' '
	}
}

// Task is one checklist line: a name, a lifecycle status, an optional
// filesystem ref, and zero or more child tasks nested one indent level
// deeper. VirtualID is not part of the persisted grammar; it is recomputed
// by Tree.Reindex on every structural read and is only valid until the next
// mutation.
type Task struct {
	Name     string
	Status   Status
	Ref      string
	Children []*Task

	indentLevel int
	virtualID   string
	parent      *Task
}

// VirtualID returns the task's last-indexed dotted address (e.g. "2.1.3"),
// or "" if the task has never been indexed by a Tree.
func (t *Task) VirtualID() string { return t.virtualID }

// IsLeaf reports whether the task has no children.
func (t *Task) IsLeaf() bool { return len(t.Children) == 0 }

// Clone returns a deep copy of t and its subtree, with VirtualID cleared.
func (t *Task) Clone() *Task {
	c := &Task{Name: t.Name, Status: t.Status, Ref: t.Ref}
	if len(t.Children) > 0 {
		c.Children = make([]*Task, len(t.Children))
		for i, ch := range t.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return c
}
