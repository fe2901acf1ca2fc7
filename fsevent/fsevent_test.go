package fsevent

import (
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
)

func withStatIsDir(t *testing.T, dirs map[string]bool) {
	t.Helper()
	orig := statIsDir
	statIsDir = func(path string) bool { return dirs[path] }
	t.Cleanup(func() { statIsDir = orig })
}

func TestFromNotifyEvent_CreateFile(t *testing.T) {
	withStatIsDir(t, nil)
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: fsnotify.Create})
	assert.Equal(t, []Event{{Kind: Create, Path: "/a/f"}}, got)
}

func TestFromNotifyEvent_CreateFolder(t *testing.T) {
	withStatIsDir(t, map[string]bool{"/a/d": true})
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/d", Op: fsnotify.Create})
	assert.Equal(t, []Event{{Kind: MkDir, Path: "/a/d"}}, got)
}

func TestFromNotifyEvent_WriteFile(t *testing.T) {
	withStatIsDir(t, nil)
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: fsnotify.Write})
	assert.Equal(t, []Event{{Kind: Modify, Path: "/a/f"}}, got)
}

func TestFromNotifyEvent_WriteDirIgnored(t *testing.T) {
	withStatIsDir(t, map[string]bool{"/a/d": true})
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/d", Op: fsnotify.Write})
	assert.Nil(t, got)
}

func TestFromNotifyEvent_Chmod(t *testing.T) {
	withStatIsDir(t, nil)
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: fsnotify.Chmod})
	assert.Equal(t, []Event{{Kind: Modify, Path: "/a/f"}}, got)
}

func TestFromNotifyEvent_Remove(t *testing.T) {
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: fsnotify.Remove})
	assert.Equal(t, []Event{{Kind: Remove, Path: "/a/f"}}, got)
}

func TestFromNotifyEvent_LoneRenameDropped(t *testing.T) {
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: fsnotify.Rename})
	assert.Nil(t, got)
}

func TestFromNotifyEvent_Unknown(t *testing.T) {
	got := FromNotifyEvent(fsnotify.Event{Name: "/a/f", Op: 0})
	assert.Nil(t, got)
}

func TestNormalizeBatch_PairsRenameWithFollowingCreate(t *testing.T) {
	withStatIsDir(t, nil)
	batch := []fsnotify.Event{
		{Name: "/a/old", Op: fsnotify.Rename},
		{Name: "/a/new", Op: fsnotify.Create},
	}
	got := NormalizeBatch(batch)
	assert.Equal(t, []Event{{Kind: Rename, From: "/a/old", Path: "/a/new"}}, got)
}

func TestNormalizeBatch_UnpairedRenameDropped(t *testing.T) {
	withStatIsDir(t, nil)
	batch := []fsnotify.Event{
		{Name: "/a/old", Op: fsnotify.Rename},
		{Name: "/a/unrelated", Op: fsnotify.Write},
	}
	got := NormalizeBatch(batch)
	assert.Equal(t, []Event{{Kind: Modify, Path: "/a/unrelated"}}, got)
}

func TestNormalizeBatch_PreservesArrivalOrder(t *testing.T) {
	withStatIsDir(t, nil)
	batch := []fsnotify.Event{
		{Name: "/a/x", Op: fsnotify.Create},
		{Name: "/a/old", Op: fsnotify.Rename},
		{Name: "/a/new", Op: fsnotify.Create},
		{Name: "/a/y", Op: fsnotify.Write},
	}
	got := NormalizeBatch(batch)
	want := []Event{
		{Kind: Create, Path: "/a/x"},
		{Kind: Rename, From: "/a/old", Path: "/a/new"},
		{Kind: Modify, Path: "/a/y"},
	}
	assert.Equal(t, want, got)
}

func TestNormalizeBatch_PairsAcrossDifferentBasenames(t *testing.T) {
	withStatIsDir(t, nil)
	batch := []fsnotify.Event{
		{Name: "/a/draft.txt", Op: fsnotify.Rename},
		{Name: "/a/final.txt", Op: fsnotify.Create},
	}
	got := NormalizeBatch(batch)
	assert.Equal(t, []Event{{Kind: Rename, From: "/a/draft.txt", Path: "/a/final.txt"}}, got)
}

func TestNormalizeBatch_OnlyPairsImmediatelyFollowingCreate(t *testing.T) {
	withStatIsDir(t, nil)
	batch := []fsnotify.Event{
		{Name: "/a/old", Op: fsnotify.Rename},
		{Name: "/a/unrelated", Op: fsnotify.Write},
		{Name: "/a/new", Op: fsnotify.Create},
	}
	got := NormalizeBatch(batch)
	want := []Event{
		{Kind: Modify, Path: "/a/unrelated"},
		{Kind: Create, Path: "/a/new"},
	}
	assert.Equal(t, want, got)
}
