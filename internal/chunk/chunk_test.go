package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit_RoundTrip(t *testing.T) {
	texts := []string{
		"short",
		strings.Repeat("abc", 1000),
		"exactly-eight!!!",
		"a",
	}
	sizes := []int{1, 7, 8, 100, 7000}

	for _, text := range texts {
		for _, size := range sizes {
			chunks := Split(text, size)

			assert.Equal(t, text, strings.Join(chunks, ""), "size=%d", size)

			want := (len(text) + size - 1) / size
			assert.Len(t, chunks, want, "text len=%d size=%d", len(text), size)

			for i, c := range chunks {
				if i < len(chunks)-1 {
					assert.Len(t, c, size)
				}
			}
		}
	}
}

func TestSplit_Empty(t *testing.T) {
	assert.Nil(t, Split("", 10))
}

func TestSplit_NonPositiveSize(t *testing.T) {
	assert.Equal(t, []string{"abc"}, Split("abc", 0))
	assert.Equal(t, []string{"abc"}, Split("abc", -1))
}
