package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tstriage/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "_tstriage"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func sampleItem(name string) store.Item {
	return store.Item{
		Path:        "/recorded/" + name,
		Destination: "/library/Drama/Show",
		Cache:       "/cache",
		Encoder:     store.Options{"preset": "drama"},
	}
}

func TestPutAndLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	item := sampleItem("show_20260901.ts")

	marker, err := s.Put(item, store.StageCategorized)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if marker.Key != "show_20260901" {
		t.Fatalf("key = %q", marker.Key)
	}
	if filepath.Ext(marker.Path) != ".categorized" {
		t.Fatalf("marker path = %q", marker.Path)
	}

	loaded, err := s.Load(marker)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Path != item.Path || loaded.Destination != item.Destination {
		t.Fatalf("payload mismatch: %+v", loaded)
	}
	if loaded.Encoder.String("preset", "") != "drama" {
		t.Fatalf("encoder options lost: %+v", loaded.Encoder)
	}
}

func TestPutRejectsDuplicateKeyAcrossStages(t *testing.T) {
	s := newStore(t)
	if _, err := s.Put(sampleItem("dup.ts"), store.StageToAnalyze); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := s.Put(sampleItem("dup.ts"), store.StageToCut)
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMoveKeepsSingleResidency(t *testing.T) {
	s := newStore(t)
	marker, err := s.Put(sampleItem("job.ts"), store.StageCategorized)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stages := []store.Stage{
		store.StageToAnalyze,
		store.StageToMark,
		store.StageToCut,
		store.StageToEncode,
		store.StageToConfirm,
		store.StageToCleanup,
	}
	for _, stage := range stages {
		marker, err = s.Move(marker, stage)
		if err != nil {
			t.Fatalf("Move to %s: %v", stage, err)
		}
		all, err := s.All()
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("after move to %s: %d markers", stage, len(all))
		}
		if all[0].Stage != stage {
			t.Fatalf("after move: stage %s, want %s", all[0].Stage, stage)
		}
	}

	if err := s.Remove(marker); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("markers remain after removal: %v", all)
	}
}

func TestReplaceUpdatesPayload(t *testing.T) {
	s := newStore(t)
	marker, err := s.Put(sampleItem("job.ts"), store.StageCategorized)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := s.Load(marker)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	item.Marker = store.Options{"noEnsemble": true}

	next, err := s.Replace(marker, store.StageToAnalyze, item)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].Stage != store.StageToAnalyze {
		t.Fatalf("unexpected markers: %v", all)
	}
	loaded, err := s.Load(next)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Marker.Bool("noEnsemble", false) {
		t.Fatalf("payload update lost: %+v", loaded)
	}
}

func TestReplaceFailureKeepsSingleResidency(t *testing.T) {
	s := newStore(t)
	marker, err := s.Put(sampleItem("job.ts"), store.StageCategorized)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := s.Load(marker)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	item.Marker = store.Options{"noEnsemble": true}

	// Occupy the target path so the stage transition cannot complete.
	blocked := filepath.Join(s.Dir(), "job"+store.StageToAnalyze.Ext())
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if _, err := s.Replace(marker, store.StageToAnalyze, item); err == nil {
		t.Fatal("expected Replace to fail")
	}

	// The key must still occupy exactly one stage, with the updated
	// payload already durable at the stage it never left.
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].Stage != store.StageCategorized {
		t.Fatalf("unexpected markers after failed Replace: %v", all)
	}
	loaded, err := s.Load(all[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Marker.Bool("noEnsemble", false) {
		t.Fatalf("payload update lost: %+v", loaded)
	}
}

func TestListFiltersByStageAndSkipsNonMarkers(t *testing.T) {
	s := newStore(t)
	if _, err := s.Put(sampleItem("a.ts"), store.StageToMark); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(sampleItem("b.ts"), store.StageToCut); err != nil {
		t.Fatal(err)
	}
	// Raw media and ledger files share the marker directory.
	for _, name := range []string{"stray.ts", "stray.m2ts", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	marks, err := s.List(store.StageToMark)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(marks) != 1 || marks[0].Key != "a" {
		t.Fatalf("List(tomark) = %v", marks)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("All = %v", all)
	}
}

func TestFindAndHas(t *testing.T) {
	s := newStore(t)
	if _, err := s.Put(sampleItem("evening_news_20260901.ts"), store.StageToEncode); err != nil {
		t.Fatal(err)
	}

	found, err := s.Find("evening_news")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil || found.Stage != store.StageToEncode {
		t.Fatalf("Find = %v", found)
	}

	ok, err := s.Has("no_such_item")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("Has matched a missing key")
	}
}

func TestParseStage(t *testing.T) {
	if stage, ok := store.ParseStage("ToEncode"); !ok || stage != store.StageToEncode {
		t.Fatalf("ParseStage = %v %v", stage, ok)
	}
	if _, ok := store.ParseStage("mp4"); ok {
		t.Fatal("ParseStage accepted a media extension")
	}
}
