package lineage

import (
	"testing"

	"github.com/fsync-run/fsync/fsevent"
	"github.com/stretchr/testify/assert"
)

func ev(kind fsevent.Kind, path string) fsevent.Event {
	return fsevent.Event{Kind: kind, Path: path}
}

func rename(from, to string) fsevent.Event {
	return fsevent.Event{Kind: fsevent.Rename, From: from, Path: to}
}

// TestS1 pins the minimal output for a Create immediately followed by a
// Modify of the same path: the chain-construction rule marks the Create
// node not-latest, so only the Modify survives.
func TestS1(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Create, "A"),
		ev(fsevent.Modify, "A"),
	})
	assert.Equal(t, []fsevent.Event{ev(fsevent.Modify, "A")}, got)
}

func TestS2_CreateThenRename(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Create, "A"),
		rename("A", "B"),
	})
	assert.Equal(t, []fsevent.Event{ev(fsevent.Create, "B")}, got)
}

func TestS3_RenameThenModify(t *testing.T) {
	got := Compress([]fsevent.Event{
		rename("A", "B"),
		ev(fsevent.Modify, "B"),
	})
	assert.Equal(t, []fsevent.Event{
		ev(fsevent.Remove, "A"),
		ev(fsevent.Modify, "B"),
	}, got)
}

func TestS4_PureRenameChainCollapses(t *testing.T) {
	got := Compress([]fsevent.Event{
		rename("A1", "B1"),
		rename("B1", "C1"),
		rename("C1", "D1"),
	})
	assert.Equal(t, []fsevent.Event{rename("A1", "D1")}, got)
}

func TestS5_RepeatedModifyCollapses(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Modify, "A"),
		ev(fsevent.Modify, "A"),
		ev(fsevent.Modify, "A"),
	})
	assert.Equal(t, []fsevent.Event{ev(fsevent.Modify, "A")}, got)
}

func TestS6_MkDirRenameModify(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.MkDir, "D"),
		rename("A", "D/A"),
		ev(fsevent.Modify, "D/A"),
	})
	assert.Equal(t, []fsevent.Event{
		ev(fsevent.MkDir, "D"),
		ev(fsevent.Remove, "A"),
		ev(fsevent.Modify, "D/A"),
	}, got)
}

// TestRenameOntoPriorHistory pins the rule that a Rename's chain follows
// only its `from` path's history: any pre-existing chain on `to` is not
// linked to, and is not implicitly invalidated.
func TestRenameOntoPriorHistory(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Create, "B"),
		rename("A", "B"),
	})
	assert.Equal(t, []fsevent.Event{
		ev(fsevent.Create, "B"),
		rename("A", "B"),
	}, got)
}

// A third event re-touching B chains from the Rename (the current
// latest_by_path[B]), leaving the earlier Create(B) permanently stranded
// but still marked latest - a direct consequence of the same rule, not a
// special case.
func TestRenameOntoPriorHistory_ThenModifyStrandsTheCreate(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Create, "B"),
		rename("A", "B"),
		ev(fsevent.Modify, "B"),
	})
	assert.Equal(t, []fsevent.Event{
		ev(fsevent.Create, "B"), // stranded node, still latest, still emitted
		ev(fsevent.Remove, "A"), // Modify's lineage walk finds the Rename's origin
		ev(fsevent.Modify, "B"),
	}, got)
}

func TestRemoveEmittedAtMostOncePerPath(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.Remove, "A"),
		ev(fsevent.Remove, "A"),
	})
	assert.Equal(t, []fsevent.Event{ev(fsevent.Remove, "A")}, got)
}

func TestMkDirAlwaysEmitted(t *testing.T) {
	got := Compress([]fsevent.Event{
		ev(fsevent.MkDir, "D"),
		ev(fsevent.MkDir, "D/E"),
	})
	assert.Equal(t, []fsevent.Event{
		ev(fsevent.MkDir, "D"),
		ev(fsevent.MkDir, "D/E"),
	}, got)
}

func TestPureRenameFallsBackToImmediateFromWhenNoOrigin(t *testing.T) {
	got := Compress([]fsevent.Event{
		rename("A", "B"),
	})
	assert.Equal(t, []fsevent.Event{rename("A", "B")}, got)
}

func TestEmptyBatch(t *testing.T) {
	assert.Empty(t, Compress(nil))
}
