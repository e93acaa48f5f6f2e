package watcher

import "fmt"

// EventKind is the kind of a debounced change.
type EventKind int

const (
	Create EventKind = iota
	Write
	Remove
	Rename
)

func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Write:
		return "write"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a debounced change of a path under a watched root. OldPath is
// only set for Rename.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

// Paths returns the paths to reconcile for e, in order. A rename is a
// remove of the old path followed by a create of the new one.
func (e Event) Paths() []string {
	if e.Kind == Rename {
		return []string{e.OldPath, e.Path}
	}
	return []string{e.Path}
}

func (e Event) String() string {
	if e.Kind == Rename {
		return fmt.Sprintf("rename %s -> %s", e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
