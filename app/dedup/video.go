package dedup

import (
	"encoding/json"
	"fmt"
	"image"
	"image/gif"
	"log/slog"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/corona10/goimagehash"

	"github.com/qiyuelian/caijibot/app/database"
)

const (
	videoFrameSamples  = 5
	videoHistogramBins = 32
)

// VideoFeatures is the perceptual signature of a video, persisted as JSON.
// Absent signals are zero values and are renormalized out of the score.
type VideoFeatures struct {
	Duration    float64   `json:"duration"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FPS         float64   `json:"fps"`
	FrameCount  int       `json:"frame_count"`
	FrameHashes []string  `json:"frame_hashes"`
	Brightness  float64   `json:"brightness"`
	Contrast    float64   `json:"contrast"`
	HistogramR  []float64 `json:"histogram_r"`
	HistogramG  []float64 `json:"histogram_g"`
	HistogramB  []float64 `json:"histogram_b"`
	HasAudio    bool      `json:"has_audio"`
}

// FrameReader yields decoded frames of a single video in order.
type FrameReader interface {
	// FrameCount reports the total number of decodable frames.
	FrameCount() int
	// Frame returns the frame at index (0-based).
	Frame(index int) (image.Image, error)
	// Duration reports the video length in seconds, 0 when unknown.
	Duration() float64
	// Dimensions reports the frame width and height.
	Dimensions() (int, int)
	// HasAudio reports whether an audio track is present.
	HasAudio() bool
	Close() error
}

// FrameSource opens a container file into a FrameReader. The shipped
// implementation handles GIF; other containers are injected.
type FrameSource interface {
	Open(path string) (FrameReader, error)
	// Supports reports whether the source can decode the given file.
	Supports(path string) bool
}

// VideoDedup detects near-duplicate videos by comparing sampled frame
// hashes, luminance statistics and color histograms. Matches are reported
// for operator review and never auto-resolved.
type VideoDedup struct {
	items     database.ItemRepository
	source    FrameSource
	threshold float64
}

func NewVideoDedup(items database.ItemRepository, source FrameSource, threshold float64) *VideoDedup {
	if source == nil {
		source = GIFFrameSource{}
	}
	return &VideoDedup{items: items, source: source, threshold: threshold}
}

// ExtractFeatures decodes the video and computes its perceptual signature.
func (d *VideoDedup) ExtractFeatures(path string) (*VideoFeatures, error) {
	if !d.source.Supports(path) {
		return nil, fmt.Errorf("unsupported video container: %s", filepath.Ext(path))
	}

	reader, err := d.source.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer reader.Close()

	count := reader.FrameCount()
	if count == 0 {
		return nil, fmt.Errorf("video has no decodable frames")
	}

	width, height := reader.Dimensions()
	features := &VideoFeatures{
		Duration:   reader.Duration(),
		Width:      width,
		Height:     height,
		FrameCount: count,
		HasAudio:   reader.HasAudio(),
	}
	if features.Duration > 0 {
		features.FPS = float64(count) / features.Duration
	}

	// Sample at 0%, 25%, 50%, 75% and the last frame.
	offsets := sampleOffsets(count)
	var middle image.Image
	for i, offset := range offsets {
		frame, err := reader.Frame(offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame %d: %w", offset, err)
		}
		h, err := goimagehash.AverageHash(frame)
		if err != nil {
			return nil, fmt.Errorf("failed to hash frame %d: %w", offset, err)
		}
		features.FrameHashes = append(features.FrameHashes, fmt.Sprintf("%016x", h.GetHash()))
		if i == len(offsets)/2 {
			middle = frame
		}
	}

	features.Brightness, features.Contrast = luminanceStats(middle)
	features.HistogramR, features.HistogramG, features.HistogramB = colorHistograms(middle)

	return features, nil
}

func sampleOffsets(count int) []int {
	if count <= videoFrameSamples {
		offsets := make([]int, 0, count)
		for i := 0; i < count; i++ {
			offsets = append(offsets, i)
		}
		return offsets
	}
	return []int{0, count / 4, count / 2, 3 * count / 4, count - 1}
}

func luminanceStats(img image.Image) (brightness, contrast float64) {
	if img == nil {
		return 0, 0
	}
	bounds := img.Bounds()
	n := float64(bounds.Dx() * bounds.Dy())
	if n == 0 {
		return 0, 0
	}

	var sum, sumSq float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma on 8-bit range.
			luma := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			sum += luma
			sumSq += luma * luma
		}
	}

	brightness = sum / n
	variance := sumSq/n - brightness*brightness
	if variance > 0 {
		contrast = math.Sqrt(variance)
	}
	return brightness, contrast
}

func colorHistograms(img image.Image) (r, g, b []float64) {
	r = make([]float64, videoHistogramBins)
	g = make([]float64, videoHistogramBins)
	b = make([]float64, videoHistogramBins)
	if img == nil {
		return r, g, b
	}

	bounds := img.Bounds()
	total := float64(bounds.Dx() * bounds.Dy())
	if total == 0 {
		return r, g, b
	}

	binWidth := 65536 / videoHistogramBins
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pr, pg, pb, _ := img.At(x, y).RGBA()
			r[int(pr)/binWidth]++
			g[int(pg)/binWidth]++
			b[int(pb)/binWidth]++
		}
	}
	for i := 0; i < videoHistogramBins; i++ {
		r[i] /= total
		g[i] /= total
		b[i] /= total
	}
	return r, g, b
}

// Signal weights; renormalized over the signals both videos carry.
var videoWeights = struct {
	width, height, duration, frames, brightness, contrast, histogram float64
}{0.10, 0.10, 0.20, 0.40, 0.10, 0.10, 0.10}

// Similarity computes the weighted similarity of two video signatures.
func (d *VideoDedup) Similarity(a, b *VideoFeatures) float64 {
	var scoreSum, weightSum float64

	add := func(weight, score float64) {
		scoreSum += weight * score
		weightSum += weight
	}

	if a.Width > 0 && b.Width > 0 {
		add(videoWeights.width, ratioSimilarity(float64(a.Width), float64(b.Width)))
	}
	if a.Height > 0 && b.Height > 0 {
		add(videoWeights.height, ratioSimilarity(float64(a.Height), float64(b.Height)))
	}
	if a.Duration > 0 && b.Duration > 0 {
		add(videoWeights.duration, ratioSimilarity(a.Duration, b.Duration))
	}
	if len(a.FrameHashes) > 0 && len(b.FrameHashes) > 0 {
		add(videoWeights.frames, frameHashSimilarity(a.FrameHashes, b.FrameHashes))
	}
	if a.Brightness > 0 && b.Brightness > 0 {
		add(videoWeights.brightness, ratioSimilarity(a.Brightness, b.Brightness))
	}
	if a.Contrast > 0 && b.Contrast > 0 {
		add(videoWeights.contrast, ratioSimilarity(a.Contrast, b.Contrast))
	}
	if histSim, ok := histogramSimilarity(a, b); ok {
		add(videoWeights.histogram, histSim)
	}

	if weightSum == 0 {
		return 0
	}
	return scoreSum / weightSum
}

// frameHashSimilarity averages the pairwise hash similarity across the
// sampled frame grid; positions need not line up for re-encoded copies.
func frameHashSimilarity(a, b []string) float64 {
	var sum float64
	var n int
	for _, ha := range a {
		for _, hb := range b {
			sum += hexHashSimilarity(ha, hb)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func hexHashSimilarity(a, b string) float64 {
	var va, vb uint64
	if _, err := fmt.Sscanf(a, "%x", &va); err != nil {
		return 0
	}
	if _, err := fmt.Sscanf(b, "%x", &vb); err != nil {
		return 0
	}
	return 1 - float64(bits.OnesCount64(va^vb))/float64(imageHashBits)
}

func histogramSimilarity(a, b *VideoFeatures) (float64, bool) {
	if len(a.HistogramR) == 0 || len(b.HistogramR) == 0 {
		return 0, false
	}
	r := pearsonCorrelation(a.HistogramR, b.HistogramR)
	g := pearsonCorrelation(a.HistogramG, b.HistogramG)
	bl := pearsonCorrelation(a.HistogramB, b.HistogramB)
	score := (r + g + bl) / 3
	if score < 0 {
		score = 0
	}
	return score, true
}

func pearsonCorrelation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	n := float64(len(a))
	var sumA, sumB, sumAB, sumA2, sumB2 float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
		sumAB += a[i] * b[i]
		sumA2 += a[i] * a[i]
		sumB2 += b[i] * b[i]
	}
	num := n*sumAB - sumA*sumB
	den := math.Sqrt((n*sumA2 - sumA*sumA) * (n*sumB2 - sumB*sumB))
	if den == 0 {
		return 0
	}
	return num / den
}

// Detect scans fingerprinted videos and returns candidates at or above the
// threshold, sorted by score descending.
func (d *VideoDedup) Detect(item *database.Item) ([]Match, error) {
	if item.ContentHash == "" {
		return nil, nil
	}
	features, err := decodeVideoFeatures(item.ContentHash)
	if err != nil {
		return nil, err
	}

	candidates, err := d.items.ListFingerprinted(database.MediaVideo)
	if err != nil {
		return nil, fmt.Errorf("fingerprint scan: %w", err)
	}

	var matches []Match
	for _, candidate := range candidates {
		if candidate.ID == item.ID {
			continue
		}
		other, err := decodeVideoFeatures(candidate.ContentHash)
		if err != nil {
			slog.Warn("Skipping video with unreadable features", "item", candidate.ID, "error", err)
			continue
		}
		score := d.Similarity(features, other)
		if score >= d.threshold {
			matches = append(matches, Match{Item: candidate, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// Process extracts features when absent and reports similar videos. Video
// matches are surfaced for review only; DuplicatesResolved is always 0.
func (d *VideoDedup) Process(item *database.Item) (*ProcessResult, error) {
	if item.MediaKind != database.MediaVideo {
		return &ProcessResult{Reason: "not a video item"}, nil
	}
	if item.FilePath == "" {
		return &ProcessResult{Reason: "item has no local file"}, nil
	}

	if item.ContentHash == "" {
		features, err := d.ExtractFeatures(item.FilePath)
		if err != nil {
			slog.Warn("Video feature extraction failed", "item", item.ID, "error", err)
			return &ProcessResult{Reason: fmt.Sprintf("feature extraction failed: %v", err)}, nil
		}
		encoded, err := json.Marshal(features)
		if err != nil {
			return nil, fmt.Errorf("failed to encode video features: %w", err)
		}
		if err := d.items.UpdateContentHash(item.ID, string(encoded)); err != nil {
			return nil, err
		}
		item.ContentHash = string(encoded)
	}

	matches, err := d.Detect(item)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &ProcessResult{Reason: "no similar video found"}, nil
	}

	for i := range matches {
		slog.Info("Similar video flagged for review",
			"item", item.ID, "candidate", matches[i].Item.ID, "score", matches[i].Score)
	}

	return &ProcessResult{
		DuplicatesFound: len(matches),
		Reason:          fmt.Sprintf("%d similar videos flagged for review", len(matches)),
	}, nil
}

func decodeVideoFeatures(encoded string) (*VideoFeatures, error) {
	var features VideoFeatures
	if err := json.Unmarshal([]byte(encoded), &features); err != nil {
		return nil, fmt.Errorf("failed to decode video features: %w", err)
	}
	return &features, nil
}

// GIFFrameSource decodes animated GIF containers with the standard
// image/gif decoder. It is the only source shipped in-process; richer
// containers require an external FrameSource.
type GIFFrameSource struct{}

func (GIFFrameSource) Supports(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gif")
}

func (GIFFrameSource) Open(path string) (FrameReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoded, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gif: %w", err)
	}
	if len(decoded.Image) == 0 {
		return nil, fmt.Errorf("gif has no frames")
	}
	return &gifFrameReader{decoded: decoded}, nil
}

type gifFrameReader struct {
	decoded *gif.GIF
}

func (r *gifFrameReader) FrameCount() int { return len(r.decoded.Image) }

func (r *gifFrameReader) Frame(index int) (image.Image, error) {
	if index < 0 || index >= len(r.decoded.Image) {
		return nil, fmt.Errorf("frame index %d out of range", index)
	}
	return r.decoded.Image[index], nil
}

// Duration sums the per-frame delays, which GIF stores in centiseconds.
func (r *gifFrameReader) Duration() float64 {
	total := 0
	for _, delay := range r.decoded.Delay {
		total += delay
	}
	return float64(total) / 100.0
}

func (r *gifFrameReader) Dimensions() (int, int) {
	bounds := r.decoded.Image[0].Bounds()
	return bounds.Dx(), bounds.Dy()
}

func (r *gifFrameReader) HasAudio() bool { return false }

func (r *gifFrameReader) Close() error { return nil }
