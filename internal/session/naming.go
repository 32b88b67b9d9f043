package session

import (
	"regexp"
	"strings"
	"unicode"
)

// Display-name derivation: pull the meaningful words out of the
// initial prompt and turn them into a short title an operator can
// recognize in a session listing.

const maxDisplayNameLen = 30

// Filler words dropped from derived names.
var stripWords = map[string]struct{}{
	"please": {}, "can": {}, "you": {}, "help": {}, "me": {}, "i": {},
	"want": {}, "to": {}, "need": {}, "would": {}, "like": {}, "could": {},
	"should": {}, "the": {}, "a": {}, "an": {}, "this": {}, "that": {},
	"it": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
}

// Verbs kept even when short, since they carry the task's intent.
var actionWords = map[string]struct{}{
	"create": {}, "add": {}, "implement": {}, "fix": {}, "update": {},
	"delete": {}, "remove": {}, "refactor": {}, "build": {}, "make": {},
	"write": {}, "design": {}, "setup": {}, "configure": {}, "deploy": {},
	"test": {}, "debug": {}, "optimize": {},
}

var (
	fencedBlockRe = regexp.MustCompile("```[\\s\\S]*?```")
	quoteRe       = regexp.MustCompile("[\"'`]+")
	nonWordRe     = regexp.MustCompile(`[^\w]`)
	specialRe     = regexp.MustCompile(`[^\w\s\-]`)
)

// deriveDisplayName builds a short human-readable session title from
// the initial prompt.
func deriveDisplayName(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return "Unnamed Session"
	}

	text := strings.ToLower(strings.TrimSpace(prompt))
	text = fencedBlockRe.ReplaceAllString(text, "")
	text = quoteRe.ReplaceAllString(text, "")

	words := strings.Fields(text)
	keyWords := make([]string, 0, 5)

	for _, word := range words {
		word = nonWordRe.ReplaceAllString(word, "")
		if word == "" {
			continue
		}
		if _, ok := actionWords[word]; ok {
			keyWords = append(keyWords, word)
		} else if _, ok := stripWords[word]; ok {
			continue
		} else if len(word) > 2 {
			keyWords = append(keyWords, word)
		}
		if len(keyWords) >= 5 {
			break
		}
	}

	if len(keyWords) == 0 {
		if len(words) > 5 {
			words = words[:5]
		}
		keyWords = words
	}
	if len(keyWords) > 4 {
		keyWords = keyWords[:4]
	}

	return slugify(strings.Join(keyWords, " "))
}

// slugify cleans and truncates a raw name: strip special characters,
// collapse whitespace, title-case, cut at a word boundary.
func slugify(name string) string {
	name = specialRe.ReplaceAllString(name, "")
	name = strings.Join(strings.Fields(name), " ")
	name = titleCase(name)

	if len(name) > maxDisplayNameLen {
		truncated := name[:maxDisplayNameLen]
		if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxDisplayNameLen/2 {
			name = truncated[:lastSpace]
		} else {
			name = truncated
		}
	}
	return strings.TrimSpace(name)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
