package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	// chunkTokens is the target chunk size in whitespace tokens.
	chunkTokens = 800

	// chunkOverlap is how many tokens consecutive chunks share, so a
	// passage split across a boundary still matches as a whole in one of
	// the two chunks.
	chunkOverlap = 100
)

// Chunk is one retrievable slice of an ingested document.
type Chunk struct {
	Index      int
	Content    string
	TokenCount int
	Hash       string
}

// Split cuts text into overlapping chunks by whitespace token walk.
// The walk is deterministic: the same text always yields the same chunks
// with the same hashes, which is what makes re-ingestion idempotent.
// Whitespace runs inside a chunk collapse to single spaces.
func Split(text string) []Chunk {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := chunkTokens - chunkOverlap
	var chunks []Chunk
	for start := 0; ; start += step {
		end := min(start+chunkTokens, len(tokens))
		content := strings.Join(tokens[start:end], " ")
		index := len(chunks)
		chunks = append(chunks, Chunk{
			Index:      index,
			Content:    content,
			TokenCount: end - start,
			Hash:       chunkHash(index, content),
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// chunkHash fingerprints a chunk for the (tenant_scope, source,
// chunk_hash) uniqueness key. The index participates so a document that
// repeats a passage keeps both copies instead of dropping the second.
func chunkHash(index int, content string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
