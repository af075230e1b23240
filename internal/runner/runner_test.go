package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tstriage/internal/clips"
	"tstriage/internal/config"
	"tstriage/internal/ledger"
	"tstriage/internal/logging"
	"tstriage/internal/markermap"
	"tstriage/internal/ptsmap"
	"tstriage/internal/store"
	"tstriage/internal/testsupport"
)

// ffprobeStub reports one HD video stream and a 20 second duration, which
// matches the program portion of the standard fixture index below.
const ffprobeStub = `#!/bin/sh
printf '%s' '{"streams":[{"index":0,"codec_type":"video","width":1440,"height":1080}],"format":{"duration":"20.000000"}}'
`

// ffmpegStub fakes both encoder passes: the strip pass (targets an mpegts
// pipe) copies stdin to stdout, the encode pass copies stdin into the
// output file named by the final argument.
const ffmpegStub = `#!/bin/sh
mode=encode
prev=
last=
for a in "$@"; do
  if [ "$prev" = "-f" ] && [ "$a" = "mpegts" ]; then mode=strip; fi
  prev="$a"
  last="$a"
done
if [ "$mode" = strip ]; then exec cat; fi
cat > "$last"
`

// tscutterStub writes the standard fixture index, or fails for sources
// with "bad" in the name.
const tscutterStub = `#!/bin/sh
case "$*" in *bad*) echo "no silence found" >&2; exit 1;; esac
out=
prev=
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
cat > "$out" <<'EOF'
{"0":{"next_start_pos":100,"prev_end_pos":0},"10":{"next_start_pos":500,"prev_end_pos":200},"20":{"next_start_pos":900,"prev_end_pos":800}}
EOF
`

// tsmarkerStub satisfies every subcommand the pipeline issues.
const tsmarkerStub = `#!/bin/sh
out=
prev=
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
case "$1" in
extractlogo) : > "$out" ;;
groundtruth) printf '%s' '{"re_encode_needed": false}' ;;
esac
exit 0
`

func newTestRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	r, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func stubConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	t.Helper()
	opts = append([]testsupport.ConfigOption{
		testsupport.WithStubScript("ffprobe", ffprobeStub),
		testsupport.WithStubScript("ffmpeg", ffmpegStub),
		testsupport.WithStubScript("tscutter", tscutterStub),
		testsupport.WithStubScript("tsmarker", tsmarkerStub),
	}, opts...)
	return testsupport.NewConfig(t, opts...)
}

// seedItem registers a recording with a resolved destination at the given
// stage and returns the item.
func seedItem(t *testing.T, cfg *config.Config, st *store.Store, name string, stage store.Stage) store.Item {
	t.Helper()
	item := store.Item{
		Path:        filepath.Join(cfg.Paths.RecordedDir, name),
		Destination: filepath.Join(cfg.Paths.DestinationDir, "Drama", "show"),
		Cache:       cfg.Paths.CacheDir,
		Encoder:     store.Options{"preset": "drama"},
	}
	testsupport.WritePattern(t, item.Path, 1000)
	testsupport.PutItem(t, st, item, stage)
	return item
}

// writeSidecars persists the fixture interval index and the given
// ground-truth scores into the destination's sidecar folder.
func writeSidecars(t *testing.T, item store.Item, scores map[clips.Clip]float64) {
	t.Helper()
	metaDir := filepath.Join(item.Destination, "_metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	index := ptsmap.FromEntries(map[float64]ptsmap.Positions{
		0:  {NextStartPos: 100, PrevEndPos: 0},
		10: {NextStartPos: 500, PrevEndPos: 200},
		20: {NextStartPos: 900, PrevEndPos: 800},
	})
	if err := index.WriteFile(filepath.Join(metaDir, item.Key()+ptsmap.Extension)); err != nil {
		t.Fatal(err)
	}
	mm := markermap.New(filepath.Join(metaDir, item.Key()+markermap.Extension))
	for clip, score := range scores {
		mm.SetValue(clip, markermap.MethodGroundTruth, score)
	}
	if err := mm.Save(); err != nil {
		t.Fatal(err)
	}
}

func stagesOf(t *testing.T, st *store.Store) map[string]store.Stage {
	t.Helper()
	markers, err := st.All()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]store.Stage, len(markers))
	for _, m := range markers {
		out[m.Key] = m.Stage
	}
	return out
}

func TestRunRejectsUnknownTask(t *testing.T) {
	cfg := stubConfig(t)
	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"transmogrify"}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestCategorizeQueuesNewRecordings(t *testing.T) {
	cfg := stubConfig(t)
	testsupport.WritePattern(t, filepath.Join(cfg.Paths.RecordedDir, "20260901-evening news.ts"), 1000)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.RecordedDir, "notes.txt"), 10)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"categorize"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stagesOf(t, r.Store())
	if stages["20260901-evening news"] != store.StageCategorized {
		t.Fatalf("expected categorized marker, got %v", stages)
	}
	if len(stages) != 1 {
		t.Fatalf("non-media files must be ignored: %v", stages)
	}

	// A second pass must not duplicate in-flight items.
	if err := r.Run(context.Background(), []string{"categorize"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := stagesOf(t, r.Store()); len(got) != 1 {
		t.Fatalf("expected single marker after re-run, got %v", got)
	}
}

func TestCategorizeSkipsAlreadyEncoded(t *testing.T) {
	cfg := stubConfig(t)
	testsupport.WritePattern(t, filepath.Join(cfg.Paths.RecordedDir, "20260901-old show.ts"), 1000)

	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(filepath.Join(cfg.StoreDir(), "encoded.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := led.Add(context.Background(), "20260901-old show_(drama).mp4"); err != nil {
		t.Fatal(err)
	}
	if err := led.Close(); err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"categorize"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := stagesOf(t, r.Store()); len(got) != 0 {
		t.Fatalf("ledgered recording must be skipped, got %v", got)
	}
}

func TestCategorizeGuessesDestinationFromKeywords(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rules", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rules": []map[string]any{
				{"searchOption": map[string]any{"keyword": "evening news"}},
			},
		})
	})
	mux.HandleFunc("/api/recorded", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{
				"id": 1, "name": "evening news", "channelId": 101, "genre1": 0,
				"videoFiles": []map[string]any{{"filename": "20260901-evening news.ts"}},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := stubConfig(t, testsupport.WithEPGStation(srv.URL))
	testsupport.WritePattern(t, filepath.Join(cfg.Paths.RecordedDir, "20260901-evening news.ts"), 1000)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"categorize"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	markers, err := r.Store().List(store.StageCategorized)
	if err != nil || len(markers) != 1 {
		t.Fatalf("expected one categorized marker, got %v (%v)", markers, err)
	}
	item, err := r.Store().Load(markers[0])
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(cfg.Paths.DestinationDir, "News", "evening news")
	if item.Destination != want {
		t.Fatalf("destination = %q, want %q", item.Destination, want)
	}
}

func TestListAttachesSettingsAndPromotes(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	resolved := store.Item{
		Path:        filepath.Join(cfg.Paths.RecordedDir, "20260901-show.ts"),
		Destination: filepath.Join(cfg.Paths.DestinationDir, "Drama", "show"),
	}
	testsupport.PutItem(t, st, resolved, store.StageCategorized)
	unresolved := store.Item{Path: filepath.Join(cfg.Paths.RecordedDir, "20260901-mystery.ts")}
	testsupport.PutItem(t, st, unresolved, store.StageCategorized)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"list"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stagesOf(t, r.Store())
	if stages[resolved.Key()] != store.StageToAnalyze {
		t.Fatalf("resolved item should be promoted, got %v", stages)
	}
	if stages[unresolved.Key()] != store.StageCategorized {
		t.Fatalf("unresolved item must stay put, got %v", stages)
	}

	// Defaults are materialized at the library root for the next pass.
	data, err := os.ReadFile(filepath.Join(cfg.Paths.DestinationDir, "tstriage.json"))
	if err != nil {
		t.Fatalf("default settings not written: %v", err)
	}
	var settings triageSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatal(err)
	}
	if !settings.Marker.Bool("noEnsemble", false) || settings.Encoder.String("preset", "") != "drama" {
		t.Fatalf("unexpected default settings: %s", data)
	}

	markers, _ := r.Store().List(store.StageToAnalyze)
	item, err := r.Store().Load(markers[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Cache != cfg.Paths.CacheDir {
		t.Fatalf("cache hint not attached: %+v", item)
	}
	if item.Encoder.String("preset", "") != "drama" {
		t.Fatalf("encoder options not attached: %+v", item)
	}
}

func TestListPrefersNearestSettings(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	destination := filepath.Join(cfg.Paths.DestinationDir, "Anime", "show")
	if err := os.MkdirAll(filepath.Join(cfg.Paths.DestinationDir, "Anime"), 0o755); err != nil {
		t.Fatal(err)
	}
	custom := []byte(`{"encoder":{"preset":"anime720p","bygroup":true}}`)
	if err := os.WriteFile(filepath.Join(cfg.Paths.DestinationDir, "Anime", "tstriage.json"), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	item := store.Item{
		Path:        filepath.Join(cfg.Paths.RecordedDir, "20260901-show.ts"),
		Destination: destination,
	}
	testsupport.PutItem(t, st, item, store.StageCategorized)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"list"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	markers, _ := r.Store().List(store.StageToAnalyze)
	if len(markers) != 1 {
		t.Fatalf("expected promoted marker, got %v", markers)
	}
	loaded, err := r.Store().Load(markers[0])
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Encoder.String("preset", "") != "anime720p" || !loaded.Encoder.Bool("bygroup", false) {
		t.Fatalf("parent folder settings not used: %+v", loaded)
	}
}

func TestAnalyzeIsolatesFailures(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	bad := seedItem(t, cfg, st, "20260901-bad signal.ts", store.StageToAnalyze)
	good := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToAnalyze)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"analyze"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stagesOf(t, r.Store())
	if stages[bad.Key()] != store.StageError {
		t.Fatalf("failed item must be quarantined, got %v", stages)
	}
	if stages[good.Key()] != store.StageToMark {
		t.Fatalf("healthy item must advance, got %v", stages)
	}

	indexPath := filepath.Join(good.Destination, "_metadata", good.Key()+ptsmap.Extension)
	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("index sidecar missing: %v", err)
	}
	logo := filepath.Join(cfg.StoreDir(), "unknown_1440x1080.png")
	if _, err := os.Stat(logo); err != nil {
		t.Fatalf("logo baseline missing: %v", err)
	}
}

func TestCutExtractsReviewClips(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	item := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToCut)
	writeSidecars(t, item, map[clips.Clip]float64{
		clips.New(0, 10):  1.0,
		clips.New(10, 20): 0.0,
	})
	src, err := os.ReadFile(item.Path)
	if err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"cut"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stages := stagesOf(t, r.Store()); stages[item.Key()] != store.StageToEncode {
		t.Fatalf("cut item must advance to toencode, got %v", stages)
	}

	review := filepath.Join(cfg.Paths.CacheDir, item.Key())
	entries, err := os.ReadDir(review)
	if err != nil {
		t.Fatalf("review folder: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one program clip, got %d", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(review, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src[100:200]) {
		t.Fatalf("clip bytes differ: got %d bytes", len(got))
	}
}

func TestCutQuarantinesCorruptedIndex(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	bad := seedItem(t, cfg, st, "20260901-bad signal.ts", store.StageToCut)
	good := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToCut)
	writeSidecars(t, good, map[clips.Clip]float64{
		clips.New(0, 10):  1.0,
		clips.New(10, 20): 0.0,
	})
	// The bad item's marker map references a timestamp its interval
	// index never recorded, so clip resolution cannot proceed.
	writeSidecars(t, bad, map[clips.Clip]float64{
		clips.New(0, 15): 1.0,
	})

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"cut"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stagesOf(t, r.Store())
	if stages[bad.Key()] != store.StageError {
		t.Fatalf("item with corrupted index must be quarantined, got %v", stages)
	}
	if stages[good.Key()] != store.StageToEncode {
		t.Fatalf("healthy item must advance, got %v", stages)
	}

	index, err := ptsmap.Load(filepath.Join(bad.Destination, "_metadata", bad.Key()+ptsmap.Extension))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := index.Lookup(15); !errors.Is(err, ptsmap.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for the missing timestamp, got %v", err)
	}
}

func TestEncodeUploadsAndRecordsLedger(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	item := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToEncode)
	writeSidecars(t, item, map[clips.Clip]float64{
		clips.New(0, 10):  1.0,
		clips.New(10, 20): 1.0,
	})
	src, err := os.ReadFile(item.Path)
	if err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"encode"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stages := stagesOf(t, r.Store()); stages[item.Key()] != store.StageToConfirm {
		t.Fatalf("encoded item must advance to toconfirm, got %v", stages)
	}

	artifact := filepath.Join(item.Destination, item.Key()+".mp4")
	got, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("artifact not uploaded: %v", err)
	}
	if !bytes.Equal(got, src[100:800]) {
		t.Fatalf("artifact bytes differ: got %d bytes, want %d", len(got), len(src[100:800]))
	}

	led, err := ledger.Open(filepath.Join(cfg.StoreDir(), "encoded.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer led.Close()
	recorded, err := led.HasStem(context.Background(), item.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Fatal("artifact not recorded in the encoded ledger")
	}
}

func TestConfirmRoutesByVerdict(t *testing.T) {
	const reencodeStub = `#!/bin/sh
case "$*" in *again*) printf '%s' '{"re_encode_needed": true}'; exit 0;; esac
printf '%s' '{"re_encode_needed": false}'
`
	cfg := stubConfig(t, testsupport.WithStubScript("tsmarker", reencodeStub))
	st := testsupport.MustOpenStore(t, cfg)
	done := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToConfirm)
	redo := seedItem(t, cfg, st, "20260901-try again.ts", store.StageToConfirm)
	pending := seedItem(t, cfg, st, "20260901-still pending.ts", store.StageToEncode)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"confirm"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stagesOf(t, r.Store())
	if stages[done.Key()] != store.StageToCleanup {
		t.Fatalf("confirmed item must advance, got %v", stages)
	}
	if stages[redo.Key()] != store.StageToEncode {
		t.Fatalf("re-encode item must loop back, got %v", stages)
	}
	if stages[pending.Key()] != store.StageToEncode {
		t.Fatalf("pending encode must stay put, got %v", stages)
	}
}

func TestCleanupSweepsCache(t *testing.T) {
	cfg := stubConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	item := seedItem(t, cfg, st, "20260901-evening news.ts", store.StageToCleanup)

	key := item.Key()
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CacheDir, key+".ts"), 100)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CacheDir, key+".mp4"), 50)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CacheDir, key, "(0.000, 10.000).ts"), 10)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CacheDir, "20260901-unrelated.ts"), 10)

	r := newTestRunner(t, cfg)
	if err := r.Run(context.Background(), []string{"cleanup"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := stagesOf(t, r.Store()); len(got) != 0 {
		t.Fatalf("cleanup must delete the marker, got %v", got)
	}
	entries, err := os.ReadDir(cfg.Paths.CacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "20260901-unrelated.ts" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("cache sweep left %v", names)
	}
}
