// Package fsevent defines the normalized filesystem event set that the rest
// of the sync pipeline operates on, and the translation from raw fsnotify
// notifications into that set.
package fsevent

import (
	"os"

	"github.com/fsnotify/fsnotify"
)

// Kind identifies which variant of Event is populated.
type Kind int

const (
	Create Kind = iota
	Modify
	Remove
	MkDir
	Rename
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	case MkDir:
		return "mkdir"
	case Rename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a normalized filesystem event. For everything but Rename, Path
// holds the affected absolute local path and From is empty. For Rename,
// From and Path hold the source and destination paths respectively.
type Event struct {
	Kind Kind
	From string // only set for Rename
	Path string
}

// Target returns the path this event's chain should be keyed on: the
// destination for Rename, the sole path otherwise.
func (e Event) Target() string {
	return e.Path
}

// statIsDir reports whether path currently exists and is a directory. It is
// a var so tests can stub it without touching the real filesystem.
var statIsDir = func(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// FromNotifyEvent normalizes a single raw fsnotify.Event into zero or more
// Events:
//
//	Create(file)                       -> Create(p)
//	Create(folder)                     -> MkDir(p)
//	Write or Chmod                     -> Modify(p)      (skipped for directories)
//	Remove                             -> Remove(p)
//	Rename                             -> nothing
//	anything else                      -> nothing
//
// fsnotify reports a rename as a single event carrying only the source
// path, with Create following for the destination, so FromNotifyEvent never
// returns a Rename: pairing the two halves into Rename(from, to) is done by
// NormalizeBatch, and a lone fsnotify.Rename is dropped here as the "the OS
// delivered Remove+Create separately" case.
func FromNotifyEvent(ev fsnotify.Event) []Event {
	switch {
	case ev.Op&fsnotify.Create != 0:
		if statIsDir(ev.Name) {
			return []Event{{Kind: MkDir, Path: ev.Name}}
		}
		return []Event{{Kind: Create, Path: ev.Name}}

	case ev.Op&fsnotify.Write != 0, ev.Op&fsnotify.Chmod != 0:
		if statIsDir(ev.Name) {
			return nil
		}
		return []Event{{Kind: Modify, Path: ev.Name}}

	case ev.Op&fsnotify.Remove != 0:
		return []Event{{Kind: Remove, Path: ev.Name}}

	case ev.Op&fsnotify.Rename != 0:
		// A rename delivered alone carries only the source path; the
		// platform split it into two events and the watcher could not
		// reassemble a pair. Drop it silently - the periodic scanner will
		// reconcile the resulting state.
		return nil

	default:
		return nil
	}
}

// NormalizeBatch normalizes a burst of raw fsnotify events drained together
// by synctask's watch loop before handing events onward. Within a single
// burst it pairs an unmatched Rename(old) with the Create event immediately
// following it, producing a true Rename(old, new) - the heuristic a
// single-path-per-event watcher needs since fsnotify reports a rename as
// two separate single-path events rather than one, delivered back to back
// in the same order the OS generated them. Basenames are not compared: an
// ordinary rename that also changes the filename (`mv draft.txt final.txt`)
// must still be reconstructed as one Rename, not dropped as a bare source
// path with an unrelated Create. A Rename not immediately followed by a
// Create is dropped; the periodic scanner reconciles the resulting state.
func NormalizeBatch(events []fsnotify.Event) []Event {
	consumed := make([]bool, len(events))
	renameAt := make(map[int]Event, len(events))

	for i, ev := range events {
		if ev.Op&fsnotify.Rename == 0 {
			continue
		}
		j := i + 1
		if j >= len(events) || consumed[j] || events[j].Op&fsnotify.Create == 0 {
			continue
		}
		renameAt[i] = Event{Kind: Rename, From: ev.Name, Path: events[j].Name}
		consumed[i] = true
		consumed[j] = true
	}

	out := make([]Event, 0, len(events))
	for i, ev := range events {
		if paired, ok := renameAt[i]; ok {
			out = append(out, paired)
			continue
		}
		if consumed[i] {
			continue // the Create half of a pairing consumed from a later position
		}
		out = append(out, FromNotifyEvent(ev)...)
	}
	return out
}
