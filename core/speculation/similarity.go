package speculation

import (
	"strings"
	"unicode"
)

// Similarity returns 1 - editDistance(a, b)/max(len(a), len(b)) over the
// runes of the normalized inputs. Identical inputs, including two empty
// ones, score 1.
func Similarity(a, b string) float64 {
	return sequenceSimilarity([]rune(normalize(a)), []rune(normalize(b)))
}

// ReconciliationSimilarity scores how well a speculated partial transcript
// holds up against the final one.
//
// Users keep talking after the partial was taken, so the final transcript is
// aligned to the partial first: both are reduced to content words and the
// longer one is cut to the length of the shorter. The aligned word sequences
// are then scored with the same normalized edit distance as [Similarity],
// counted in words. If the partial carries no content words the raw
// normalized prefixes are compared rune by rune instead.
func ReconciliationSimilarity(partial, final string) float64 {
	partialWords := contentWords(partial)
	finalWords := contentWords(final)

	if len(partialWords) == 0 || len(finalWords) == 0 {
		partialRunes := []rune(normalize(partial))
		finalRunes := []rune(normalize(final))
		n := min(len(partialRunes), len(finalRunes))
		if n == 0 {
			return sequenceSimilarity(partialRunes, finalRunes)
		}
		return sequenceSimilarity(partialRunes[:n], finalRunes[:n])
	}

	n := min(len(partialWords), len(finalWords))
	return sequenceSimilarity(partialWords[:n], finalWords[:n])
}

func sequenceSimilarity[T comparable](a, b []T) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

// editDistance is the Levenshtein distance using a single row of state.
func editDistance[T comparable](a, b []T) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		diagonal := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			above := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(above+1, row[j-1]+1, diagonal+cost)
			diagonal = above
		}
	}

	return row[len(b)]
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func contentWords(text string) []string {
	var content []string
	for _, word := range words(text) {
		if _, ok := stopWords[word]; ok {
			continue
		}
		content = append(content, word)
	}
	return content
}

var stopWords = toSet(
	"a", "an", "the", "and", "or", "but", "so", "to", "of", "in", "on", "at",
	"for", "with", "by", "from", "about", "as", "into", "up",
	"i", "me", "my", "we", "us", "our", "you", "your", "it", "its", "this",
	"that", "these", "those", "he", "she", "they", "them", "their",
	"is", "am", "are", "was", "were", "be", "been", "do", "does", "did",
	"can", "could", "would", "will", "should", "shall", "may", "might", "must",
	"please", "just", "um", "uh", "like", "well", "oh", "okay", "ok",
)

func toSet(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
