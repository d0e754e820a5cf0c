package dedup

import (
	"github.com/qiyuelian/caijibot/app/database"
)

// Decision is the outcome of the pre-fetch metadata screen.
type Decision struct {
	IsDuplicate bool    `json:"is_duplicate"`
	ShouldFetch bool    `json:"should_fetch"`
	NeedsReview bool    `json:"needs_review"`
	CanonicalID string  `json:"canonical_id,omitempty"`
	Score       float64 `json:"score"`
	Method      string  `json:"method,omitempty"`
	Reason      string  `json:"reason"`
}

// Match is one candidate duplicate with its similarity score.
type Match struct {
	Item  database.Item
	Score float64
}

// ProcessResult summarizes one detector pass over one item.
type ProcessResult struct {
	DuplicatesFound    int
	DuplicatesResolved int
	Reason             string
}

// ConfirmResult aggregates the post-fetch confirmation of one item.
type ConfirmResult struct {
	ItemID           string   `json:"item_id"`
	DuplicatesFound  int      `json:"duplicates_found"`
	MethodsTriggered []string `json:"methods_triggered"`
	MarkedDuplicate  bool     `json:"marked_duplicate"`
}

// BatchResult summarizes a batch confirmation scan.
type BatchResult struct {
	Processed       int      `json:"processed"`
	DuplicatesFound int      `json:"duplicates_found"`
	Errors          []string `json:"errors,omitempty"`
}
