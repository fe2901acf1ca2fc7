// Package lineage implements the Lineage Compressor: it folds a batch of
// FsEvents, collected in arrival order during one debounce window, into the
// minimal causally-equivalent event list that produces the same net effect
// on a remote which currently reflects the local state at the start of the
// batch.
//
// Nodes are kept in a dense slice and chained by index rather than by
// pointer, which keeps the lineage walk allocation-free and sidesteps any
// cyclic-ownership concerns a pointer graph would raise.
package lineage

import "github.com/fsync-run/fsync/fsevent"

// node is the compressor-internal representation of one event in a batch.
// prev of -1 means "no earlier event on this path's chain".
type node struct {
	target   string
	kind     fsevent.Kind
	from     string // Rename source, only meaningful when kind == fsevent.Rename
	prev     int
	isLatest bool
}

const noPrev = -1

// Compress reduces a batch of events, in arrival order, to the minimal
// equivalent batch: the net effect on a remote that currently mirrors the
// local tree as of the start of the batch.
func Compress(events []fsevent.Event) []fsevent.Event {
	nodes := make([]node, 0, len(events))
	latestByPath := make(map[string]int, len(events))

	for _, ev := range events {
		switch ev.Kind {
		case fsevent.Create, fsevent.Modify, fsevent.Remove, fsevent.MkDir:
			prev := indexOrNoPrev(latestByPath, ev.Path)
			if prev != noPrev {
				nodes[prev].isLatest = false
			}
			idx := len(nodes)
			nodes = append(nodes, node{target: ev.Path, kind: ev.Kind, prev: prev, isLatest: true})
			latestByPath[ev.Path] = idx

		case fsevent.Rename:
			prev := indexOrNoPrev(latestByPath, ev.From)
			if prev != noPrev {
				nodes[prev].isLatest = false
			}
			idx := len(nodes)
			nodes = append(nodes, node{target: ev.Path, kind: fsevent.Rename, from: ev.From, prev: prev, isLatest: true})
			latestByPath[ev.Path] = idx
			// Clear From's chain: a later event on From starts fresh rather
			// than attaching to a path it was just renamed away from.
			delete(latestByPath, ev.From)
		}
	}

	out := make([]fsevent.Event, 0, len(nodes))
	deletedOnce := make(map[string]bool, len(nodes))

	for i := range nodes {
		n := &nodes[i]
		if !n.isLatest {
			continue
		}

		switch n.kind {
		case fsevent.Create, fsevent.Modify:
			origin, _, sawDelete, sawCreate := summarizeLineage(nodes, n.prev)
			if origin != "" && origin != n.target && !sawDelete && !sawCreate && !deletedOnce[origin] {
				out = append(out, fsevent.Event{Kind: fsevent.Remove, Path: origin})
				deletedOnce[origin] = true
			}
			out = append(out, fsevent.Event{Kind: n.kind, Path: n.target})

		case fsevent.Rename:
			origin, sawModify, sawDelete, sawCreate := summarizeLineage(nodes, n.prev)
			to := n.target
			switch {
			case sawModify || sawDelete:
				if origin != "" && origin != to && !sawDelete && !sawCreate && !deletedOnce[origin] {
					out = append(out, fsevent.Event{Kind: fsevent.Remove, Path: origin})
					deletedOnce[origin] = true
				}
				out = append(out, fsevent.Event{Kind: fsevent.Create, Path: to})
			case sawCreate:
				out = append(out, fsevent.Event{Kind: fsevent.Create, Path: to})
			default:
				from := n.from
				if origin != "" {
					from = origin
				}
				out = append(out, fsevent.Event{Kind: fsevent.Rename, From: from, Path: to})
			}

		case fsevent.Remove:
			if !deletedOnce[n.target] {
				out = append(out, fsevent.Event{Kind: fsevent.Remove, Path: n.target})
				deletedOnce[n.target] = true
			}

		case fsevent.MkDir:
			out = append(out, fsevent.Event{Kind: fsevent.MkDir, Path: n.target})
		}
	}

	return out
}

func indexOrNoPrev(m map[string]int, path string) int {
	if idx, ok := m[path]; ok {
		return idx
	}
	return noPrev
}

// summarizeLineage walks prev links from start, returning the origin path
// (the `from` of the earliest Rename on the chain, "" if none) and whether
// a Modify, Remove, or Create appears anywhere along it.
func summarizeLineage(nodes []node, start int) (origin string, sawModify, sawDelete, sawCreate bool) {
	for cur := start; cur != noPrev; cur = nodes[cur].prev {
		n := &nodes[cur]
		switch n.kind {
		case fsevent.Rename:
			origin = n.from
		case fsevent.Modify:
			sawModify = true
		case fsevent.Remove:
			sawDelete = true
		case fsevent.Create:
			sawCreate = true
		case fsevent.MkDir:
			// no signal carried
		}
	}
	return origin, sawModify, sawDelete, sawCreate
}
