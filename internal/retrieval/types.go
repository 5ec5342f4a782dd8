// Package retrieval defines the common result shape produced by every
// evidence source and the corpus hybrid retriever.
package retrieval

// Origin tags which branch produced a hit.
type Origin string

const (
	OriginCorpus Origin = "corpus"
	OriginNote   Origin = "note"
	OriginWeb    Origin = "web"
)

// Locator is the origin-specific citation anchor. Exactly one shape is
// populated, keyed by the hit's Origin.
type Locator struct {
	// Corpus chunks
	DocID          string  `json:"doc_id,omitempty"`
	Page           int     `json:"page,omitempty"`
	Section        string  `json:"section,omitempty"`
	TimestampStart float64 `json:"timestamp_start,omitempty"`
	TimestampEnd   float64 `json:"timestamp_end,omitempty"`

	// Notes
	NotePath string `json:"note_path,omitempty"`
	Heading  string `json:"heading,omitempty"`

	// Web
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Key returns the deduplication identity of a locator within its origin.
func (l Locator) Key() string {
	switch {
	case l.URL != "":
		return l.URL
	case l.NotePath != "":
		return l.NotePath + "#" + l.Heading
	default:
		return l.DocID
	}
}

// Hit is one candidate piece of evidence. It exists only for the duration
// of a request. Score fields are nil when the producing stage did not run
// for this hit; zero is a real score, absence is not.
type Hit struct {
	ID      string
	Text    string
	Origin  Origin
	Locator Locator

	Lexical  *float64
	Semantic *float64
	Rerank   *float64
}

// SortScore returns the canonical ordering score: rerank when present,
// otherwise semantic, otherwise lexical.
func (h *Hit) SortScore() float64 {
	switch {
	case h.Rerank != nil:
		return *h.Rerank
	case h.Semantic != nil:
		return *h.Semantic
	case h.Lexical != nil:
		return *h.Lexical
	default:
		return 0
	}
}

func ptr(v float64) *float64 { return &v }
