package semantic

// SearchResult is a single vector search hit from a course collection.
type SearchResult struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Content  string            `json:"content"`
	CourseID int64             `json:"course_id"`
	Title    string            `json:"title"`
	URL      string            `json:"url"`
	Meta     map[string]string `json:"meta"`
}

// VectorRecord is a single vector to store. Payload carries course_id,
// title, url, and content.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}
