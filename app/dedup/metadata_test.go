package dedup

import (
	"testing"
	"time"

	"github.com/qiyuelian/caijibot/app/database"
)

func newTestScreen(items *fakeItemRepo, edges *fakeEdgeRepo) *MetadataScreen {
	return NewMetadataScreen(items, edges, 0.95, 0.85, 0.8)
}

func TestScreenExactNameSize(t *testing.T) {
	items := newFakeItemRepo()
	edges := &fakeEdgeRepo{}
	screen := newTestScreen(items, edges)

	existing := items.add(&database.Item{
		ID:        "existing",
		ChannelID: "ch1",
		FileName:  "clip.mp4",
		FileSize:  1048576,
		Status:    database.StatusCompleted,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	decision := screen.Screen(&database.Item{
		ID:        "incoming",
		ChannelID: "ch1",
		FileName:  "clip.mp4",
		FileSize:  1048576,
	})

	if !decision.IsDuplicate {
		t.Fatalf("expected duplicate verdict, got %+v", decision)
	}
	if decision.Method != database.MethodExactNameSize {
		t.Errorf("expected method %q, got %q", database.MethodExactNameSize, decision.Method)
	}
	if decision.Score != 1.0 {
		t.Errorf("expected score 1.0, got %v", decision.Score)
	}
	if decision.CanonicalID != existing.ID {
		t.Errorf("expected canonical %q, got %q", existing.ID, decision.CanonicalID)
	}
}

func TestScreenSameNameDifferentSize(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	items.add(&database.Item{
		ID:        "existing",
		ChannelID: "ch1",
		FileName:  "clip.mp4",
		FileSize:  1048576,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	decision := screen.Screen(&database.Item{
		ChannelID: "ch1",
		FileName:  "clip.mp4",
		FileSize:  2048,
	})

	if decision.IsDuplicate || !decision.ShouldFetch {
		t.Errorf("different size must not match: %+v", decision)
	}
}

func TestScreenPlatformFileIDRequiresSizeAndKind(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	items.add(&database.Item{
		ID:             "existing",
		ChannelID:      "ch1",
		PlatformFileID: "abc123",
		FileSize:       500,
		MediaKind:      database.MediaImage,
		CreatedAt:      time.Now().Add(-time.Hour),
	})

	// Same platform id but different size: treated as an id recycle.
	decision := screen.Screen(&database.Item{
		ChannelID:      "ch1",
		PlatformFileID: "abc123",
		FileSize:       900,
		MediaKind:      database.MediaImage,
	})
	if decision.IsDuplicate {
		t.Errorf("recycled file id must not match: %+v", decision)
	}

	decision = screen.Screen(&database.Item{
		ChannelID:      "ch1",
		PlatformFileID: "abc123",
		FileSize:       500,
		MediaKind:      database.MediaImage,
	})
	if !decision.IsDuplicate || decision.Method != database.MethodFileID {
		t.Errorf("matching id, size and kind must match: %+v", decision)
	}
}

func TestScreenForwardedOrigin(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	items.add(&database.Item{
		ID:        "origin",
		ChannelID: "ch1",
		MessageID: 4242,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	decision := screen.Screen(&database.Item{
		ChannelID:     "ch2",
		ForwardedFrom: 4242,
	})

	if !decision.IsDuplicate || decision.Method != database.MethodForwardedOrigin {
		t.Fatalf("expected forwarded-origin match, got %+v", decision)
	}
	if decision.CanonicalID != "origin" {
		t.Errorf("expected canonical origin, got %q", decision.CanonicalID)
	}
}

func TestScreenTextSimilarity(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	text := "breaking news about quantum computing breakthroughs today"
	items.add(&database.Item{
		ID:        "existing",
		ChannelID: "ch1",
		Text:      text,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	decision := screen.Screen(&database.Item{
		ChannelID: "ch1",
		Text:      text,
	})
	if !decision.IsDuplicate || decision.Method != database.MethodTextSimilarity {
		t.Fatalf("identical text must match, got %+v", decision)
	}
	if decision.Score != 1.0 {
		t.Errorf("identical text similarity must be 1.0, got %v", decision.Score)
	}

	decision = screen.Screen(&database.Item{
		ChannelID: "ch1",
		Text:      "completely unrelated message mentioning nothing shared whatsoever here",
	})
	if decision.IsDuplicate {
		t.Errorf("unrelated text must not match: %+v", decision)
	}
}

func TestScreenShortTextIgnored(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	items.add(&database.Item{
		ID:        "existing",
		ChannelID: "ch1",
		Text:      "short text",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	decision := screen.Screen(&database.Item{ChannelID: "ch1", Text: "short text"})
	if decision.IsDuplicate {
		t.Errorf("text at or below the length floor must be ignored: %+v", decision)
	}
}

func TestScreenVideoMetadataBands(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	items.add(&database.Item{
		ID:        "existing",
		ChannelID: "ch1",
		MediaKind: database.MediaVideo,
		Duration:  120,
		Width:     1920,
		Height:    1080,
		FileSize:  50_000_000,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	// Identical metadata scores 1.0 and skips the fetch.
	decision := screen.Screen(&database.Item{
		ChannelID: "ch1",
		MediaKind: database.MediaVideo,
		Duration:  120,
		Width:     1920,
		Height:    1080,
		FileSize:  50_000_000,
	})
	if !decision.IsDuplicate || decision.Method != database.MethodVideoMetadata {
		t.Fatalf("identical video metadata must skip fetch, got %+v", decision)
	}

	// Same duration and resolution, 40% size gap: lands in the review band.
	decision = screen.Screen(&database.Item{
		ChannelID: "ch1",
		MediaKind: database.MediaVideo,
		Duration:  120,
		Width:     1920,
		Height:    1080,
		FileSize:  30_000_000,
	})
	if decision.IsDuplicate {
		t.Fatalf("review-band score must not skip fetch: %+v", decision)
	}
	if !decision.NeedsReview || !decision.ShouldFetch {
		t.Errorf("expected fetch-for-review, got %+v", decision)
	}

	// Out of the duration tolerance window: no candidate at all.
	decision = screen.Screen(&database.Item{
		ChannelID: "ch1",
		MediaKind: database.MediaVideo,
		Duration:  300,
		Width:     1920,
		Height:    1080,
		FileSize:  50_000_000,
	})
	if decision.IsDuplicate || decision.NeedsReview {
		t.Errorf("duration outside tolerance must not match: %+v", decision)
	}
}

func TestScreenFailsOpen(t *testing.T) {
	items := newFakeItemRepo()
	items.failNameSize = true
	screen := newTestScreen(items, &fakeEdgeRepo{})

	decision := screen.Screen(&database.Item{
		ChannelID: "ch1",
		FileName:  "clip.mp4",
		FileSize:  1048576,
	})

	if decision.IsDuplicate {
		t.Fatalf("store failure must not produce a duplicate verdict: %+v", decision)
	}
	if !decision.ShouldFetch {
		t.Errorf("store failure must default to fetching: %+v", decision)
	}
}

func TestScreenEmptyMetadata(t *testing.T) {
	items := newFakeItemRepo()
	screen := newTestScreen(items, &fakeEdgeRepo{})

	decision := screen.Screen(&database.Item{ChannelID: "ch1"})
	if !decision.ShouldFetch || decision.IsDuplicate {
		t.Errorf("item with no usable metadata must fetch: %+v", decision)
	}
}

func TestMarkPreDownloadDuplicate(t *testing.T) {
	items := newFakeItemRepo()
	edges := &fakeEdgeRepo{}
	screen := newTestScreen(items, edges)

	item := &database.Item{ChannelID: "ch1", FileName: "clip.mp4", FileSize: 100}
	decision := Decision{
		IsDuplicate: true,
		CanonicalID: "canonical",
		Score:       1.0,
		Method:      database.MethodExactNameSize,
		Reason:      "identical file name and size in channel scope",
	}

	if err := screen.MarkPreDownloadDuplicate(item, decision); err != nil {
		t.Fatalf("MarkPreDownloadDuplicate: %v", err)
	}

	stored, _ := items.GetItem(item.ID)
	if stored == nil || !stored.IsDuplicate || stored.OriginalItemID != "canonical" {
		t.Errorf("screened duplicate not persisted: %+v", stored)
	}
	if len(edges.edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges.edges))
	}
	if edges.edges[0].Action != database.ActionSkipDownload {
		t.Errorf("pre-download edge action must be %q, got %q", database.ActionSkipDownload, edges.edges[0].Action)
	}
}

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords("The Quick brown fox jumps over the lazy dog again and again", maxKeywords)
	if len(keywords) != maxKeywords {
		t.Fatalf("expected %d keywords, got %v", maxKeywords, keywords)
	}
	for _, kw := range keywords {
		if len([]rune(kw)) <= minKeywordLength {
			t.Errorf("keyword %q at or below length floor", kw)
		}
	}
	// Folded, deduplicated, in order of appearance.
	if keywords[0] != "quick" || keywords[1] != "brown" {
		t.Errorf("unexpected keyword order: %v", keywords)
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("alpha beta gamma delta")
	b := tokenSet("alpha beta gamma epsilon")
	got := jaccard(a, b)
	want := 3.0 / 5.0
	if got != want {
		t.Errorf("jaccard = %v, want %v", got, want)
	}

	if jaccard(a, a) != 1.0 {
		t.Errorf("jaccard of a set with itself must be 1.0")
	}
	if jaccard(a, map[string]bool{}) != 0 {
		t.Errorf("jaccard with an empty set must be 0")
	}
}

func TestRatioSimilarity(t *testing.T) {
	if got := ratioSimilarity(100, 100); got != 1.0 {
		t.Errorf("equal values = %v, want 1.0", got)
	}
	if got := ratioSimilarity(50, 100); got != 0.5 {
		t.Errorf("half = %v, want 0.5", got)
	}
	if got := ratioSimilarity(0, 0); got != 0 {
		t.Errorf("both zero = %v, want 0", got)
	}
}
