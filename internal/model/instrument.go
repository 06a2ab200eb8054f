package model

// MaxTokensPerBatch is the server-imposed ceiling on tokens per
// subscribe message. Larger universes are chunked.
const MaxTokensPerBatch = 500

// ChunkTokens splits tokens into groups of at most size, preserving
// order. size <= 0 falls back to MaxTokensPerBatch.
func ChunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = MaxTokensPerBatch
	}
	if len(tokens) == 0 {
		return nil
	}
	chunks := make([][]uint32, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, tokens[start:end])
	}
	return chunks
}
