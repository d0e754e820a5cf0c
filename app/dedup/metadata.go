package dedup

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/qiyuelian/caijibot/app/database"
)

const (
	// Candidates fetched per duration lookup; keeps the pre-screen cheap.
	videoCandidateLimit = 20
	textCandidateLimit  = 5
	minTextLength       = 20
	maxKeywords         = 5
	minKeywordLength    = 3
)

// MetadataScreen decides, without fetching any bytes, whether an inbound
// item duplicates previously seen content. Every internal failure defaults
// to ShouldFetch=true: a screening bug must never silently lose content.
type MetadataScreen struct {
	items    database.ItemRepository
	resolver resolver

	skipThreshold   float64
	reviewThreshold float64
	textThreshold   float64
}

func NewMetadataScreen(items database.ItemRepository, edges database.EdgeRepository,
	skipThreshold, reviewThreshold, textThreshold float64) *MetadataScreen {
	return &MetadataScreen{
		items:           items,
		resolver:        resolver{items: items, edges: edges},
		skipThreshold:   skipThreshold,
		reviewThreshold: reviewThreshold,
		textThreshold:   textThreshold,
	}
}

// WithThresholds returns a derived screen with per-channel overrides.
// Zero values keep the receiver's thresholds.
func (s *MetadataScreen) WithThresholds(skipThreshold, textThreshold float64) *MetadataScreen {
	derived := *s
	if skipThreshold > 0 {
		derived.skipThreshold = skipThreshold
	}
	if textThreshold > 0 {
		derived.textThreshold = textThreshold
	}
	return &derived
}

// Screen runs the four metadata checks in fixed order, short-circuiting on
// the first positive, then the video weighted check when applicable.
func (s *MetadataScreen) Screen(item *database.Item) Decision {
	checks := []func(*database.Item) (*Decision, error){
		s.checkNameSize,
		s.checkPlatformFileID,
		s.checkForwardedOrigin,
		s.checkTextSimilarity,
	}

	for _, check := range checks {
		decision, err := check(item)
		if err != nil {
			slog.Error("Metadata screen check failed, defaulting to fetch", "item", item.MessageID, "error", err)
			return Decision{ShouldFetch: true, Reason: fmt.Sprintf("screen error, defaulting to fetch: %v", err)}
		}
		if decision != nil {
			return *decision
		}
	}

	if item.MediaKind == database.MediaVideo && item.Duration > 0 {
		decision, err := s.checkVideoMetadata(item)
		if err != nil {
			slog.Error("Video metadata check failed, defaulting to fetch", "item", item.MessageID, "error", err)
			return Decision{ShouldFetch: true, Reason: fmt.Sprintf("screen error, defaulting to fetch: %v", err)}
		}
		if decision != nil {
			return *decision
		}
	}

	return Decision{ShouldFetch: true, Reason: "no duplicate found"}
}

func (s *MetadataScreen) checkNameSize(item *database.Item) (*Decision, error) {
	if item.FileName == "" || item.FileSize == 0 {
		return nil, nil
	}

	matches, err := s.items.FindByNameSize(item.ChannelID, item.FileName, item.FileSize)
	if err != nil {
		return nil, fmt.Errorf("name+size lookup: %w", err)
	}
	for _, match := range matches {
		if match.ID == item.ID {
			continue
		}
		return &Decision{
			IsDuplicate: true,
			CanonicalID: match.ID,
			Score:       1.0,
			Method:      database.MethodExactNameSize,
			Reason:      "identical file name and size in channel scope",
		}, nil
	}
	return nil, nil
}

func (s *MetadataScreen) checkPlatformFileID(item *database.Item) (*Decision, error) {
	if item.PlatformFileID == "" {
		return nil, nil
	}

	matches, err := s.items.FindByPlatformFileID(item.PlatformFileID)
	if err != nil {
		return nil, fmt.Errorf("file id lookup: %w", err)
	}
	for _, match := range matches {
		if match.ID == item.ID {
			continue
		}
		// The platform can recycle ids; require matching size and kind.
		if match.FileSize == item.FileSize && match.MediaKind == item.MediaKind {
			return &Decision{
				IsDuplicate: true,
				CanonicalID: match.ID,
				Score:       1.0,
				Method:      database.MethodFileID,
				Reason:      "platform file id reused with matching size and kind",
			}, nil
		}
	}
	return nil, nil
}

func (s *MetadataScreen) checkForwardedOrigin(item *database.Item) (*Decision, error) {
	if item.ForwardedFrom == 0 {
		return nil, nil
	}

	origin, err := s.items.FindByOriginMessage(item.ForwardedFrom)
	if err != nil {
		return nil, fmt.Errorf("forwarded origin lookup: %w", err)
	}
	if origin == nil || origin.ID == item.ID {
		return nil, nil
	}
	return &Decision{
		IsDuplicate: true,
		CanonicalID: origin.ID,
		Score:       1.0,
		Method:      database.MethodForwardedOrigin,
		Reason:      "forwarded from an already collected message",
	}, nil
}

func (s *MetadataScreen) checkTextSimilarity(item *database.Item) (*Decision, error) {
	if len(item.Text) <= minTextLength {
		return nil, nil
	}

	keywords := extractKeywords(item.Text, maxKeywords)
	if len(keywords) == 0 {
		return nil, nil
	}

	itemTokens := tokenSet(item.Text)
	seen := make(map[string]bool)

	for _, keyword := range keywords {
		candidates, err := s.items.SearchText(item.ChannelID, keyword, textCandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("keyword lookup: %w", err)
		}
		for _, candidate := range candidates {
			if candidate.ID == item.ID || seen[candidate.ID] || len(candidate.Text) <= minTextLength {
				continue
			}
			seen[candidate.ID] = true

			similarity := jaccard(itemTokens, tokenSet(candidate.Text))
			if similarity >= s.textThreshold {
				return &Decision{
					IsDuplicate: true,
					CanonicalID: candidate.ID,
					Score:       similarity,
					Method:      database.MethodTextSimilarity,
					Reason:      fmt.Sprintf("message text similarity %.3f", similarity),
				}, nil
			}
		}
	}
	return nil, nil
}

// checkVideoMetadata screens videos by duration, resolution and declared
// size. High scores skip the fetch; scores in the review band let the fetch
// proceed so a human can compare the actual file.
func (s *MetadataScreen) checkVideoMetadata(item *database.Item) (*Decision, error) {
	candidates, err := s.items.FindVideosByDuration(item.ChannelID, item.Duration, 1, videoCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("duration lookup: %w", err)
	}

	for _, candidate := range candidates {
		if candidate.ID == item.ID {
			continue
		}

		score := videoMetadataSimilarity(item, &candidate)
		if score >= s.skipThreshold {
			return &Decision{
				IsDuplicate: true,
				CanonicalID: candidate.ID,
				Score:       score,
				Method:      database.MethodVideoMetadata,
				Reason:      fmt.Sprintf("video metadata similarity %.3f", score),
			}, nil
		}
		if score >= s.reviewThreshold {
			return &Decision{
				ShouldFetch: true,
				NeedsReview: true,
				CanonicalID: candidate.ID,
				Score:       score,
				Method:      database.MethodVideoMetadata,
				Reason:      fmt.Sprintf("possible duplicate (similarity %.3f), fetching for manual review", score),
			}, nil
		}
	}
	return nil, nil
}

// videoMetadataSimilarity weights duration 50%, resolution 30% and declared
// size 20%, each normalized to [0,1]. Missing signals drop out and the
// remaining weights renormalize.
func videoMetadataSimilarity(a, b *database.Item) float64 {
	var total, weights float64

	if a.Duration > 0 && b.Duration > 0 {
		total += 0.5 * ratioSimilarity(float64(a.Duration), float64(b.Duration))
		weights += 0.5
	}
	if a.Width > 0 && b.Width > 0 && a.Height > 0 && b.Height > 0 {
		widthSim := ratioSimilarity(float64(a.Width), float64(b.Width))
		heightSim := ratioSimilarity(float64(a.Height), float64(b.Height))
		total += 0.3 * (widthSim + heightSim) / 2
		weights += 0.3
	}
	if a.FileSize > 0 && b.FileSize > 0 {
		total += 0.2 * ratioSimilarity(float64(a.FileSize), float64(b.FileSize))
		weights += 0.2
	}

	if weights == 0 {
		return 0
	}
	return total / weights
}

func ratioSimilarity(a, b float64) float64 {
	max := a
	if b > max {
		max = b
	}
	if max == 0 {
		return 0
	}
	sim := 1 - abs(a-b)/max
	if sim < 0 {
		return 0
	}
	return sim
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// MarkPreDownloadDuplicate persists a screened-out item as a duplicate row
// plus its edge, so the skip decision survives a restart.
func (s *MetadataScreen) MarkPreDownloadDuplicate(item *database.Item, decision Decision) error {
	if !decision.IsDuplicate || decision.CanonicalID == "" {
		return fmt.Errorf("decision is not a duplicate")
	}

	item.Status = database.StatusDuplicate
	item.IsDuplicate = true
	item.OriginalItemID = decision.CanonicalID
	if err := s.items.InsertItem(item); err != nil {
		return fmt.Errorf("failed to persist screened duplicate: %w", err)
	}

	edge := &database.DuplicateEdge{
		CanonicalItemID: decision.CanonicalID,
		DuplicateItemID: item.ID,
		Score:           decision.Score,
		Method:          decision.Method,
		Action:          database.ActionSkipDownload,
		Reason:          decision.Reason,
	}
	if err := s.resolver.edges.InsertEdge(edge); err != nil {
		return fmt.Errorf("failed to record screen edge: %w", err)
	}

	slog.Info("Marked pre-download duplicate", "item", item.ID, "canonical", decision.CanonicalID, "method", decision.Method)
	return nil
}

var foldCaser = cases.Fold()

// extractKeywords returns up to max distinct folded tokens longer than
// minKeywordLength runes, in order of appearance.
func extractKeywords(text string, max int) []string {
	var keywords []string
	seen := make(map[string]bool)

	for _, token := range tokenize(text) {
		if len([]rune(token)) <= minKeywordLength || seen[token] {
			continue
		}
		seen[token] = true
		keywords = append(keywords, token)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}

func tokenize(text string) []string {
	folded := foldCaser.String(text)
	fields := strings.Fields(folded)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".,!?;:\"'()[]{}<>")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range tokenize(text) {
		set[token] = true
	}
	return set
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
