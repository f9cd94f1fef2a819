package ingest

// File is one newly downloaded artifact handed to the pipeline.
type File struct {
	CourseID int64
	Path     string
}

// Chunk is the unit of embedding: one span of a document's standardized
// text plus the metadata every vector record carries.
type Chunk struct {
	ID       string
	CourseID int64
	Title    string // file stem
	URL      string // retrievable static-file URL
	Text     string
}

// doc carries a file through the pipeline stages.
type doc struct {
	File
	Title  string
	Text   string
	Chunks []Chunk
	Vecs   [][]float32
}

// Stats summarizes one pipeline run.
type Stats struct {
	FilesProcessed int
	FilesSkipped   int
	VectorsAdded   int
	Errors         []string
}
