// Package chunk splits bounded text into LLM-sized pieces.
package chunk

// Split cuts text into fixed-size character chunks with no overlap,
// preserving order. Concatenating the result reproduces the input exactly;
// the chunk count is ceil(len(text)/size). A non-positive size yields the
// whole text as a single chunk.
func Split(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}

	chunks := make([]string, 0, (len(text)+size-1)/size)
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}
