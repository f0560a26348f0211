package knowledge

import "fmt"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// splitText cuts text into overlapping windows of at most chunkSize runes.
// Each window after the first starts chunkOverlap runes before the previous
// window ended, so consecutive chunks share a chunkOverlap-rune seam. The
// final window is emitted as soon as it reaches the end of the text and may
// be shorter than chunkSize:
//
//	splitText("abcdefghij", 4, 1) -> ["abcd", "defg", "ghij"]
//
// Zero sizes select the defaults (1000/200). The function is pure: identical
// input and parameters always produce the identical sequence.
func splitText(text string, chunkSize, chunkOverlap int) ([]string, error) {
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap == 0 {
		chunkOverlap = defaultChunkOverlap
		if chunkOverlap >= chunkSize {
			chunkOverlap = chunkSize / 5
		}
	}
	if chunkSize < 0 || chunkOverlap < 0 {
		return nil, fmt.Errorf("%w: chunk size and overlap must be positive", ErrConfiguration)
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", ErrConfiguration, chunkOverlap, chunkSize)
	}

	runes := []rune(text)
	total := len(runes)
	if total <= chunkSize {
		return []string{text}, nil
	}

	step := chunkSize - chunkOverlap
	chunks := make([]string, 0, total/step+1)
	for start := 0; ; start += step {
		end := start + chunkSize
		if end >= total {
			chunks = append(chunks, string(runes[start:total]))
			return chunks, nil
		}
		chunks = append(chunks, string(runes[start:end]))
	}
}
