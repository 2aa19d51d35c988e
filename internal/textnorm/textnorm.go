// Package textnorm normalizes article text for fingerprinting and indexing.
// The same normalization feeds both the content fingerprint and the TF-IDF
// tokenizer so that dedup and similarity agree on what "the same text" means.
package textnorm

import (
	"strings"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "were": true, "will": true,
	"with": true, "this": true, "but": true, "they": true, "have": true,
	"had": true, "what": true, "when": true, "where": true, "who": true, "which": true,
	"why": true, "how": true, "all": true, "any": true, "both": true, "each": true,
	"few": true, "more": true, "most": true, "other": true, "some": true, "such": true,
	"no": true, "nor": true, "not": true, "only": true, "own": true, "same": true,
	"so": true, "than": true, "too": true, "very": true, "can": true, "did": true,
	"do": true, "does": true, "doing": true, "done": true, "down": true, "up": true,
}

const tokenPunct = ".,!?()[]{}:;\"'«»“”—–-"

// Tokenize lowercases the text, splits on whitespace, trims edge
// punctuation, drops stop words, and applies light suffix stemming. The
// token stream is the canonical normalized form of a body.
func Tokenize(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	result := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.Trim(word, tokenPunct)
		if word == "" || stopWords[word] {
			continue
		}
		result = append(result, stem(word))
	}
	return result
}

// Normalize returns the canonical single-spaced token stream used as the
// fingerprint input. Case, punctuation, and whitespace differences between
// two bodies do not survive normalization.
func Normalize(text string) string {
	return strings.Join(Tokenize(text), " ")
}

// CollapseWhitespace reduces runs of spaces and blank lines the way the
// archive extractor needs body text cleaned before storage.
func CollapseWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// stem applies a small Porter-style suffix stripper. It is deliberately
// shallow: the goal is fingerprint stability, not linguistic accuracy.
func stem(word string) string {
	if len(word) < 3 {
		return word
	}

	switch {
	case strings.HasSuffix(word, "sses"):
		word = word[:len(word)-2]
	case strings.HasSuffix(word, "ies"):
		word = word[:len(word)-2]
	case strings.HasSuffix(word, "ss"):
		// keep
	case strings.HasSuffix(word, "s"):
		word = word[:len(word)-1]
	}

	switch {
	case strings.HasSuffix(word, "eed"):
		word = word[:len(word)-1]
	case strings.HasSuffix(word, "ed") && len(word) > 4:
		word = word[:len(word)-2]
	case strings.HasSuffix(word, "ing") && len(word) > 5:
		word = word[:len(word)-3]
	}

	switch {
	case strings.HasSuffix(word, "ization"):
		word = word[:len(word)-5] + "ize"
	case strings.HasSuffix(word, "ational"):
		word = word[:len(word)-5] + "ate"
	case strings.HasSuffix(word, "fulness"):
		word = word[:len(word)-4]
	case strings.HasSuffix(word, "ousness"):
		word = word[:len(word)-4]
	case strings.HasSuffix(word, "iveness"):
		word = word[:len(word)-4]
	}

	return word
}
