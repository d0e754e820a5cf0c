package dedup

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"

	"github.com/qiyuelian/caijibot/app/database"
)

// Perceptual hash algorithms for still images.
const (
	HashPerceptual = "phash"
	HashAverage    = "ahash"
	HashDifference = "dhash"
)

const imageHashBits = 64

// ImageDedup detects near-duplicate still images via perceptual hashing.
type ImageDedup struct {
	items     database.ItemRepository
	resolver  resolver
	threshold float64
}

func NewImageDedup(items database.ItemRepository, edges database.EdgeRepository, threshold float64) *ImageDedup {
	return &ImageDedup{
		items:     items,
		resolver:  resolver{items: items, edges: edges},
		threshold: threshold,
	}
}

// Fingerprint computes the perceptual hash of the image at path, encoded as
// "<algo>:<16 hex digits>".
func (d *ImageDedup) Fingerprint(path string, algorithm string) (string, error) {
	img, err := decodeImage(path)
	if err != nil {
		return "", err
	}

	var h *goimagehash.ImageHash
	switch algorithm {
	case HashAverage:
		h, err = goimagehash.AverageHash(img)
	case HashDifference:
		h, err = goimagehash.DifferenceHash(img)
	case HashPerceptual, "":
		algorithm = HashPerceptual
		h, err = goimagehash.PerceptionHash(img)
	default:
		return "", fmt.Errorf("unsupported image hash algorithm: %s", algorithm)
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash image: %w", err)
	}

	return fmt.Sprintf("%s:%016x", algorithm, h.GetHash()), nil
}

// Similarity is 1 - hamming/bits over two encoded fingerprints, clamped to
// [0,1]. Fingerprints from different algorithms are incomparable and score 0.
func (d *ImageDedup) Similarity(a, b string) float64 {
	algoA, bitsA, okA := parseFingerprint(a)
	algoB, bitsB, okB := parseFingerprint(b)
	if !okA || !okB || algoA != algoB {
		return 0
	}

	distance := bits.OnesCount64(bitsA ^ bitsB)
	similarity := 1 - float64(distance)/float64(imageHashBits)
	if similarity < 0 {
		return 0
	}
	return similarity
}

func parseFingerprint(fp string) (string, uint64, bool) {
	algo, hexPart, found := strings.Cut(fp, ":")
	if !found {
		return "", 0, false
	}
	value, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return "", 0, false
	}
	return algo, value, true
}

// Detect scans all fingerprinted non-duplicate images and returns those at
// or above the threshold, sorted by score descending.
func (d *ImageDedup) Detect(item *database.Item) ([]Match, error) {
	if item.ContentHash == "" {
		return nil, nil
	}

	candidates, err := d.items.ListFingerprinted(database.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("fingerprint scan: %w", err)
	}

	var matches []Match
	for _, candidate := range candidates {
		if candidate.ID == item.ID {
			continue
		}
		score := d.Similarity(item.ContentHash, candidate.ContentHash)
		if score >= d.threshold {
			matches = append(matches, Match{Item: candidate, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// Process fingerprints the item if needed, detects matches and resolves
// each one earliest-wins.
func (d *ImageDedup) Process(item *database.Item) (*ProcessResult, error) {
	if item.MediaKind != database.MediaImage {
		return &ProcessResult{Reason: "not an image item"}, nil
	}
	if item.FilePath == "" {
		return &ProcessResult{Reason: "item has no local file"}, nil
	}

	if item.ContentHash == "" {
		fingerprint, err := d.Fingerprint(item.FilePath, HashPerceptual)
		if err != nil {
			// Unreadable media: leave the item unfingerprinted and
			// excluded from future scans.
			slog.Warn("Image fingerprint failed", "item", item.ID, "error", err)
			return &ProcessResult{Reason: fmt.Sprintf("fingerprint failed: %v", err)}, nil
		}
		if err := d.items.UpdateContentHash(item.ID, fingerprint); err != nil {
			return nil, err
		}
		item.ContentHash = fingerprint
	}

	matches, err := d.Detect(item)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &ProcessResult{Reason: "no similar image found"}, nil
	}

	resolved := 0
	for i := range matches {
		err := d.resolver.resolve(item, &matches[i].Item, matches[i].Score,
			database.MethodPerceptualImage,
			fmt.Sprintf("perceptual image similarity %.3f", matches[i].Score))
		if err != nil {
			slog.Error("Failed to resolve image duplicate", "item", item.ID, "candidate", matches[i].Item.ID, "error", err)
			continue
		}
		resolved++
	}

	return &ProcessResult{
		DuplicatesFound:    len(matches),
		DuplicatesResolved: resolved,
		Reason:             fmt.Sprintf("resolved %d of %d similar images", resolved, len(matches)),
	}, nil
}

// ImageFeatures are auxiliary signals recorded for future matching
// refinement; they do not participate in the similarity score.
type ImageFeatures struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	RedRatio    float64 `json:"red_ratio"`
	GreenRatio  float64 `json:"green_ratio"`
	BlueRatio   float64 `json:"blue_ratio"`
}

// ExtractFeatures records dimensions and RGB channel-mass ratios.
func (d *ImageDedup) ExtractFeatures(path string) (*ImageFeatures, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	features := &ImageFeatures{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}
	if features.Height > 0 {
		features.AspectRatio = float64(features.Width) / float64(features.Height)
	}

	var sumR, sumG, sumB, total float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			sumR += float64(r)
			sumG += float64(g)
			sumB += float64(b)
		}
	}
	total = sumR + sumG + sumB
	if total > 0 {
		features.RedRatio = sumR / total
		features.GreenRatio = sumG / total
		features.BlueRatio = sumB / total
	}

	return features, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
