package model

// IngestRecord is the async-persistence payload published once a document
// has been chunked, embedded and indexed.
type IngestRecord struct {
	Document Document      `json:"document"`
	Chunks   []StoredChunk `json:"chunks"`
}
