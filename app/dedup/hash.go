package dedup

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/qiyuelian/caijibot/app/database"
)

const digestChunkSize = 8192

// HashDedup detects exact duplicates via a full-content digest. Two files
// with the same digest are always duplicates; there is no threshold.
type HashDedup struct {
	items     database.ItemRepository
	resolver  resolver
	algorithm string
}

func NewHashDedup(items database.ItemRepository, edges database.EdgeRepository, algorithm string) *HashDedup {
	return &HashDedup{
		items:     items,
		resolver:  resolver{items: items, edges: edges},
		algorithm: algorithm,
	}
}

// Digest computes the hex digest of the file at path via chunked reads.
func (h *HashDedup) Digest(path string) (string, error) {
	hasher, err := newHasher(h.algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, digestChunkSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256", "":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// FindByDigest returns non-duplicate items carrying the given digest.
func (h *HashDedup) FindByDigest(digest string) ([]database.Item, error) {
	return h.items.FindByFileHash(digest)
}

// Detect returns every non-self item sharing the digest, each at score 1.0.
func (h *HashDedup) Detect(item *database.Item) ([]Match, error) {
	if item.FileHash == "" {
		return nil, nil
	}

	candidates, err := h.FindByDigest(item.FileHash)
	if err != nil {
		return nil, fmt.Errorf("digest lookup: %w", err)
	}

	var matches []Match
	for _, candidate := range candidates {
		if candidate.ID == item.ID {
			continue
		}
		matches = append(matches, Match{Item: candidate, Score: 1.0})
	}
	return matches, nil
}

// Process computes the digest if absent, detects matches and resolves each
// one with the earliest-created item as canonical.
func (h *HashDedup) Process(item *database.Item) (*ProcessResult, error) {
	if item.FilePath == "" {
		return &ProcessResult{Reason: "item has no local file"}, nil
	}

	if item.FileHash == "" {
		digest, err := h.Digest(item.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to digest %s: %w", item.FilePath, err)
		}
		if err := h.items.UpdateFileHash(item.ID, digest); err != nil {
			return nil, err
		}
		item.FileHash = digest
		slog.Debug("Computed file digest", "item", item.ID, "digest", digest)
	}

	matches, err := h.Detect(item)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &ProcessResult{Reason: "no duplicate found"}, nil
	}

	resolved := 0
	for i := range matches {
		err := h.resolver.resolve(item, &matches[i].Item, matches[i].Score,
			database.MethodContentDigest, "identical content digest")
		if err != nil {
			slog.Error("Failed to resolve digest duplicate", "item", item.ID, "candidate", matches[i].Item.ID, "error", err)
			continue
		}
		resolved++
	}

	return &ProcessResult{
		DuplicatesFound:    len(matches),
		DuplicatesResolved: resolved,
		Reason:             fmt.Sprintf("resolved %d of %d digest duplicates", resolved, len(matches)),
	}, nil
}
