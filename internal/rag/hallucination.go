// Copyright 2025 James Ross
package rag

import "strings"

// hallucinationOverlapRatio computes the fraction of the answer's distinct
// lowercased words that also appear in the concatenated cited snippets. A
// low ratio means the model likely asserted content the retrieved context
// does not support.
func hallucinationOverlapRatio(answer string, citations []Citation) float64 {
	answerWords := tokenSet(answer)
	if len(answerWords) == 0 {
		return 1.0
	}

	var snippets strings.Builder
	for _, c := range citations {
		snippets.WriteString(c.Snippet)
		snippets.WriteString(" ")
	}
	contextWords := tokenSet(snippets.String())

	matched := 0
	for w := range answerWords {
		if contextWords[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerWords))
}

// detectHallucination reports whether the overlap ratio falls below
// threshold, meaning the answer is suspected of asserting unsupported
// content. The flag is advisory: it never fails the request.
func detectHallucination(answer string, citations []Citation, threshold float64) bool {
	if len(citations) == 0 {
		return len(strings.TrimSpace(answer)) > 0
	}
	return hallucinationOverlapRatio(answer, citations) < threshold
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue // skip short stopword-ish tokens that inflate overlap noise
		}
		set[f] = true
	}
	return set
}
