package runner

import (
	"context"
	"fmt"
	"testing"

	"github.com/nucleus/delta-core/internal/registry"
	"github.com/nucleus/delta-core/internal/sink"
	"github.com/nucleus/delta-core/internal/source"
	"github.com/nucleus/delta-core/internal/watermark"
)

// fakeSource serves scripted pages per table and can fail on demand.
type fakeSource struct {
	pages   map[string][]*source.FetchResult
	fetches map[string]int
	failOn  map[string]error
	// onFetch runs before each fetch; used to interleave store mutations.
	onFetch func(tableID string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:   make(map[string][]*source.FetchResult),
		fetches: make(map[string]int),
		failOn:  make(map[string]error),
	}
}

func (f *fakeSource) Fetch(ctx context.Context, req *source.FetchRequest) (*source.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.onFetch != nil {
		f.onFetch(req.TableID)
	}
	if err := f.failOn[req.TableID]; err != nil {
		return nil, err
	}
	n := f.fetches[req.TableID]
	f.fetches[req.TableID] = n + 1

	script := f.pages[req.TableID]
	if n >= len(script) {
		return &source.FetchResult{}, nil
	}
	return script[n], nil
}

func (f *fakeSource) Close() error { return nil }

// fakeSink records writes and can fail on demand.
type fakeSink struct {
	writes []*sink.WriteRequest
	failOn map[string]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{failOn: make(map[string]error)}
}

func (f *fakeSink) WriteBatch(ctx context.Context, req *sink.WriteRequest) (*sink.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.failOn[req.TableID]; err != nil {
		return nil, err
	}
	f.writes = append(f.writes, req)
	return &sink.WriteResult{
		Path:        fmt.Sprintf("object://test/%s/%s", req.TableID, req.RangeKey),
		RowsWritten: int64(len(req.Rows)),
	}, nil
}

func (f *fakeSink) Close() error { return nil }

func rowsWithMarkers(markers ...string) []source.Record {
	rows := make([]source.Record, 0, len(markers))
	for i, m := range markers {
		rows = append(rows, source.Record{"id": fmt.Sprint(i + 1), "updated_at": m})
	}
	return rows
}

func descriptor(id string) registry.TableDescriptor {
	return registry.TableDescriptor{
		ID:            id,
		MarkerColumn:  "updated_at",
		InitialMarker: "2024-01-01",
		BatchSize:     100,
		MaxPages:      10,
	}
}

func TestDeltaRunner_SuccessAdvancesWatermark(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	src.pages["t1"] = []*source.FetchResult{
		{Rows: rowsWithMarkers("2024-01-02", "2024-01-02", "2024-01-03"), MaxMarker: "2024-01-03"},
	}
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusSucceeded {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Rows != 3 {
		t.Errorf("expected 3 rows, got %d", outcome.Rows)
	}
	if outcome.FromMarker != "2024-01-01" || outcome.ToMarker != "2024-01-03" {
		t.Errorf("marker range wrong: %+v", outcome)
	}

	wm, _ := store.Get(context.Background(), "t1")
	if wm == nil || wm.Marker != "2024-01-03" {
		t.Fatalf("watermark must equal max observed marker, got %+v", wm)
	}
}

func TestDeltaRunner_ZeroRowsSkipsWithoutAdvance(t *testing.T) {
	store := watermark.NewMemoryStore()
	if err := store.CompareAndAdvance(context.Background(), "t1", "2024-01-01", "2024-01-01"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src := newFakeSource() // no pages: zero rows
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusSkippedNoChange {
		t.Fatalf("expected skip, got %+v", outcome)
	}
	if len(snk.writes) != 0 {
		t.Error("zero-row run must not write to sink")
	}
	wm, _ := store.Get(context.Background(), "t1")
	if wm.Marker != "2024-01-01" {
		t.Fatalf("watermark must stay put on zero rows, got %q", wm.Marker)
	}
}

func TestDeltaRunner_ExtractionFailureLeavesWatermark(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	src.failOn["t1"] = &source.Error{Retryable: true, Err: fmt.Errorf("connection reset")}
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", outcome)
	}
	if outcome.Code != source.CodeExtractionFailed {
		t.Errorf("expected %s, got %s", source.CodeExtractionFailed, outcome.Code)
	}
	if wm, _ := store.Get(context.Background(), "t1"); wm != nil {
		t.Fatalf("failed extraction must not create a watermark, got %+v", wm)
	}
}

func TestDeltaRunner_SinkFailureLeavesWatermarkAndRetries(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	page := &source.FetchResult{Rows: rowsWithMarkers("2024-01-02"), MaxMarker: "2024-01-02"}
	src.pages["t1"] = []*source.FetchResult{page, page}
	snk := newFakeSink()
	snk.failOn["t1"] = &sink.Error{Code: sink.CodeSinkWriteFailed, Retryable: true, Err: fmt.Errorf("disk full")}

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusFailed || outcome.Code != sink.CodeSinkWriteFailed {
		t.Fatalf("expected sink failure, got %+v", outcome)
	}
	if wm, _ := store.Get(context.Background(), "t1"); wm != nil {
		t.Fatalf("failed write must not advance the watermark, got %+v", wm)
	}

	// Next cycle re-extracts the identical delta and succeeds.
	delete(snk.failOn, "t1")
	outcome = r.Run(context.Background(), descriptor("t1"))
	if outcome.Status != StatusSucceeded {
		t.Fatalf("retry cycle should succeed, got %+v", outcome)
	}
	if outcome.FromMarker != "2024-01-01" {
		t.Errorf("retry must resume from the original marker, got %q", outcome.FromMarker)
	}
	wm, _ := store.Get(context.Background(), "t1")
	if wm.Marker != "2024-01-02" {
		t.Fatalf("watermark after retry: %q", wm.Marker)
	}
}

func TestDeltaRunner_PaginatesUntilExhaustion(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	src.pages["t1"] = []*source.FetchResult{
		{Rows: rowsWithMarkers("2024-01-02"), MaxMarker: "2024-01-02", HasMore: true},
		{Rows: rowsWithMarkers("2024-01-03"), MaxMarker: "2024-01-03", HasMore: true},
		{Rows: rowsWithMarkers("2024-01-04"), MaxMarker: "2024-01-04"},
	}
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusSucceeded {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Pages != 3 || outcome.Rows != 3 {
		t.Errorf("expected 3 pages / 3 rows, got %d / %d", outcome.Pages, outcome.Rows)
	}
	if len(snk.writes) != 1 {
		t.Fatalf("pages must accumulate into one batch write, got %d", len(snk.writes))
	}
	wm, _ := store.Get(context.Background(), "t1")
	if wm.Marker != "2024-01-04" {
		t.Fatalf("expected frontier 2024-01-04, got %q", wm.Marker)
	}
}

func TestDeltaRunner_PageCapTruncatesButAdvances(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	// Endless HasMore pages; the cap must stop the loop.
	endless := make([]*source.FetchResult, 20)
	for i := range endless {
		marker := fmt.Sprintf("2024-01-%02d", i+2)
		endless[i] = &source.FetchResult{Rows: rowsWithMarkers(marker), MaxMarker: marker, HasMore: true}
	}
	src.pages["t1"] = endless
	snk := newFakeSink()

	td := descriptor("t1")
	td.MaxPages = 5

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), td)

	if outcome.Status != StatusSucceeded {
		t.Fatalf("page cap must still succeed over the captured range, got %+v", outcome)
	}
	if outcome.Pages != 5 {
		t.Errorf("expected 5 pages, got %d", outcome.Pages)
	}
	wm, _ := store.Get(context.Background(), "t1")
	if wm.Marker != "2024-01-06" {
		t.Fatalf("watermark must advance to last captured marker, got %q", wm.Marker)
	}
}

func TestDeltaRunner_CancellationBetweenPages(t *testing.T) {
	store := watermark.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	src := newFakeSource()
	page := &source.FetchResult{Rows: rowsWithMarkers("2024-01-02"), MaxMarker: "2024-01-02", HasMore: true}
	src.pages["t1"] = []*source.FetchResult{page, page, page}
	src.onFetch = func(string) { cancel() }
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(ctx, descriptor("t1"))

	if outcome.Status != StatusFailed || outcome.Code != CodeCancelled {
		t.Fatalf("expected cancellation failure, got %+v", outcome)
	}
	if wm, _ := store.Get(context.Background(), "t1"); wm != nil {
		t.Fatalf("cancelled run must not advance the watermark, got %+v", wm)
	}
}

func TestDeltaRunner_ConcurrentAdvanceConflicts(t *testing.T) {
	store := watermark.NewMemoryStore()
	src := newFakeSource()
	src.pages["t1"] = []*source.FetchResult{
		{Rows: rowsWithMarkers("2024-01-05"), MaxMarker: "2024-01-05"},
	}
	// An overlapping run advances the watermark between resolve and advance.
	src.onFetch = func(tableID string) {
		_ = store.CompareAndAdvance(context.Background(), tableID, "2024-01-01", "2024-01-09")
	}
	snk := newFakeSink()

	r := &DeltaRunner{Store: store, Source: src, Sink: snk}
	outcome := r.Run(context.Background(), descriptor("t1"))

	if outcome.Status != StatusFailed || outcome.Code != watermark.CodeConflict {
		t.Fatalf("expected watermark conflict, got %+v", outcome)
	}
	wm, _ := store.Get(context.Background(), "t1")
	if wm.Marker != "2024-01-09" {
		t.Fatalf("losing run must not overwrite the winner, got %q", wm.Marker)
	}
}

func TestRangeKey_Deterministic(t *testing.T) {
	a := RangeKey("2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z")
	b := RangeKey("2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z")
	if a != b {
		t.Fatalf("range key must be deterministic: %q vs %q", a, b)
	}
	if a == RangeKey("2024-01-01T00:00:00Z", "2024-01-04T00:00:00Z") {
		t.Fatal("distinct ranges must produce distinct keys")
	}
	if RangeKey("", "x") != RangeKey("", "x") {
		t.Fatal("empty from marker must map to a stable token")
	}
}

func TestRangeKey_SanitizationDoesNotCollide(t *testing.T) {
	pairs := [][2]string{
		{"a:b", "ab"},
		{"a:b", "a/b"},
		{"a/b", "a b"},
		{"a b", "ab"},
	}
	for _, p := range pairs {
		if RangeKey(p[0], "x") == RangeKey(p[1], "x") {
			t.Errorf("markers %q and %q collide on range key %q", p[0], p[1], RangeKey(p[0], "x"))
		}
	}
}
