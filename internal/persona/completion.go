package persona

import "strings"

// SentinelMarker is the phrase the completion-mode prompt tells the
// model to emit once the student names the right diagnosis.
const SentinelMarker = "PROPER DIAGNOSIS ACHIEVED"

const congratulation = " Congratulations! You have provided the proper diagnosis for me, the patient I am pretending to be! Please try other mock patients to continue your diagnosis skills! :)"

// Result is a detector's verdict on one assistant utterance.
type Result struct {
	// Text is the utterance to surface to the student, with any
	// detector bookkeeping stripped.
	Text     string
	Complete bool
}

// Detector decides whether an assistant utterance marks the diagnosis
// as achieved. Substring sentinels are a heuristic with known false
// positives, so the policy is pluggable.
type Detector interface {
	Inspect(text string) Result
}

// SentinelDetector looks for SentinelMarker in the utterance. The
// marker sentence is stripped from the surfaced text. If the sentence
// preceding the marker ends with a question mark the patient is still
// probing, so the verdict is withheld.
type SentinelDetector struct{}

func (SentinelDetector) Inspect(text string) Result {
	if !strings.Contains(text, SentinelMarker) {
		return Result{Text: text}
	}

	sentences := splitSentences(text)
	for i, sentence := range sentences {
		if !strings.Contains(sentence, SentinelMarker) {
			continue
		}
		kept := strings.TrimSpace(strings.Join(sentences[:i], " "))
		if i > 0 && strings.HasSuffix(strings.TrimSpace(sentences[i-1]), "?") {
			return Result{Text: kept}
		}
		return Result{Text: kept + congratulation, Complete: true}
	}
	return Result{Text: text}
}

// splitSentences breaks a paragraph on terminal punctuation followed by
// a space, skipping dotted shorthand like "Dr." and "U.S.".
func splitSentences(paragraph string) []string {
	var sentences []string
	start := 0
	for i := 0; i+1 < len(paragraph); i++ {
		c := paragraph[i]
		if (c != '.' && c != '?' && c != '!') || paragraph[i+1] != ' ' {
			continue
		}
		if c == '.' && looksLikeAbbreviation(paragraph[:i+1]) {
			continue
		}
		sentences = append(sentences, paragraph[start:i+1])
		start = i + 2
	}
	if start < len(paragraph) {
		sentences = append(sentences, paragraph[start:])
	}
	return sentences
}

func looksLikeAbbreviation(prefix string) bool {
	n := len(prefix)
	if n < 3 {
		return false
	}
	// "Dr." style title
	if isUpper(prefix[n-3]) && isLower(prefix[n-2]) {
		return true
	}
	// "U.S." style initialism
	if n >= 4 && prefix[n-3] == '.' && isLetter(prefix[n-2]) && isLetter(prefix[n-4]) {
		return true
	}
	return false
}

func isUpper(c byte) bool  { return c >= 'A' && c <= 'Z' }
func isLower(c byte) bool  { return c >= 'a' && c <= 'z' }
func isLetter(c byte) bool { return isUpper(c) || isLower(c) }
