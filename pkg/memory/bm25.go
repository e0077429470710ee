package memory

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters used by RankText.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// RankText scores items against a free-text query with BM25 and returns the
// items that share at least one term with it, best first. The corpus
// statistics come from the candidate set itself, which is what a tier
// without a full-text index has at hand.
func RankText(text string, items []*Item) []Result {
	queryTokens := Tokenize(text)
	if len(queryTokens) == 0 || len(items) == 0 {
		return nil
	}

	termFreqs := make([]map[string]int, len(items))
	docFreq := make(map[string]int)
	totalLen := 0
	for i, it := range items {
		tokens := Tokenize(it.Content)
		freqs := make(map[string]int, len(tokens))
		for _, token := range tokens {
			freqs[token]++
		}
		for term := range freqs {
			docFreq[term]++
		}
		termFreqs[i] = freqs
		totalLen += len(tokens)
	}

	n := float64(len(items))
	avgDL := float64(totalLen) / n
	if avgDL == 0 {
		return nil
	}

	results := make([]Result, 0, len(items))
	for i, it := range items {
		freqs := termFreqs[i]
		docLen := 0
		for _, c := range freqs {
			docLen += c
		}

		score := 0.0
		for _, term := range queryTokens {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			df := float64(docFreq[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgDL))
		}
		if score > 0 {
			results = append(results, Result{Item: it, Score: score, Tier: it.Tier})
		}
	}

	SortResults(results, true)
	return results
}

// Tokenize lowercases text and splits it into letter/digit runs, dropping
// stop words. Han characters become single tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := current.String()
		if _, isStop := stopWords[token]; !isStop {
			tokens = append(tokens, token)
		}
		current.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

var stopWords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "to", "of", "in", "for",
		"on", "with", "at", "by", "from", "as", "into", "through", "during",
		"before", "after", "above", "below", "between", "out", "off", "over",
		"under", "again", "then", "once", "and", "but", "or", "nor", "not",
		"so", "yet", "both", "each", "all", "any", "few", "more", "most",
		"other", "some", "such", "no", "only", "own", "same", "than", "too",
		"very", "just", "because", "if", "when", "where", "how", "what",
		"which", "who", "whom", "this", "that", "these", "those", "i", "me",
		"my", "we", "our", "you", "your", "he", "him", "his", "she", "her",
		"it", "its", "they", "them", "their",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
