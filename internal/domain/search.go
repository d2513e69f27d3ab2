package domain

// Passage is a ranked knowledge-base fragment.
type Passage struct {
	Source string
	Text   string
	Score  float64
}

// Snippet is a single live web search result. A provider-generated summary,
// when present, is returned as the first snippet with an empty URL.
type Snippet struct {
	Title   string
	URL     string
	Content string
}
