package models

// ChunkStatus represents the status of a task/chunk pair (embed_task_chunk.status).
type ChunkStatus string

// Transitions: open -> progress (claim) -> done | fail.
const (
	ChunkStatusOpen     ChunkStatus = "open"
	ChunkStatusProgress ChunkStatus = "progress"
	ChunkStatusDone     ChunkStatus = "done"
	ChunkStatusFail     ChunkStatus = "fail"
)

// Terminal reports whether no further transition is allowed.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusDone || s == ChunkStatusFail
}

// Chunk is a unit of text to embed. Chunks with a null text body are never returned by the store.
type Chunk struct {
	ID            int64  `json:"chunkid"`
	Text          string `json:"txt"`
	PublicationID int64  `json:"publid"`
	Seq           int64  `json:"seq"`
}

// Batch is an in-memory group of chunks sent together in one inference request.
type Batch []Chunk

// IDs returns the chunk ids of the batch in order.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b))
	for i, c := range b {
		ids[i] = c.ID
	}

	return ids
}

// Partition splits b into consecutive batches of at most size chunks.
// Every chunk of b appears in exactly one returned batch.
func (b Batch) Partition(size int) []Batch {
	if size <= 0 || len(b) == 0 {
		return nil
	}

	batches := make([]Batch, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := min(start+size, len(b))
		batches = append(batches, b[start:end:end])
	}

	return batches
}

// ResultUnit is one embedded chunk ready to be forwarded. Vector is nil when the
// inference endpoint returned null for the input.
type ResultUnit struct {
	ChunkID       int64     `json:"chunkid"`
	Seq           int64     `json:"seq"`
	PublicationID int64     `json:"publid"`
	Vector        []float32 `json:"vector"`
}

// NewResultUnit builds the result unit for chunk c.
func NewResultUnit(c Chunk, vector []float32) ResultUnit {
	return ResultUnit{
		ChunkID:       c.ID,
		Seq:           c.Seq,
		PublicationID: c.PublicationID,
		Vector:        vector,
	}
}

// ResultChunkIDs returns the chunk ids of results in order.
func ResultChunkIDs(results []ResultUnit) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}

	return ids
}
