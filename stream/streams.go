package stream

import (
	"path/filepath"

	"sovereignd/constitution"
)

// Kinds recorded on the decision feed.
const (
	KindSpend     = "spend"
	KindIncome    = "income"
	KindLLM       = "llm"
	KindPurchase  = "purchase"
	KindPeer      = "peer"
	KindPricing   = "pricing"
	KindLifecycle = "lifecycle"
	KindGovern    = "governance"
)

// Set bundles the two public feeds the runtime maintains.
type Set struct {
	Decisions  *Feed
	Highlights *Feed
}

// OpenSet opens both feeds under dir with their constitutional windows.
// Highlights carry short-form text; decisions allow long-form bodies.
func OpenSet(dir string) (*Set, error) {
	decisions, err := Open(filepath.Join(dir, "decisions.jsonl"), constitution.DecisionStreamCap, constitution.TweetCharLimitBlue)
	if err != nil {
		return nil, err
	}
	highlights, err := Open(filepath.Join(dir, "highlights.jsonl"), constitution.HighlightCap, constitution.TweetCharLimit)
	if err != nil {
		decisions.Close()
		return nil, err
	}
	return &Set{Decisions: decisions, Highlights: highlights}, nil
}

// Close releases both journals.
func (s *Set) Close() error {
	err := s.Decisions.Close()
	if herr := s.Highlights.Close(); err == nil {
		err = herr
	}
	return err
}
