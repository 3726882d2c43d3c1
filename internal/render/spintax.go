package render

import (
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// liquidTag matches Liquid output and tag delimiters, which spintax leaves
// untouched.
var liquidTag = regexp.MustCompile(`\{\{.*?\}\}|\{%.*?%\}`)

const maskOpen, maskClose = "\x00", "\x01"

var (
	// markerByte matches literal mask bytes in the input; they are masked
	// like anything else so only real tokens look like tokens.
	markerByte = regexp.MustCompile(`[\x00\x01]`)
	maskToken  = regexp.MustCompile(`\x00([0-9]+)\x01`)
)

// Spin resolves every {a|b|c} group, innermost first, choosing options with
// a generator seeded by seed. Equal inputs give equal outputs. Braces
// without a "|" and Liquid delimiters are kept verbatim.
func Spin(text string, seed int64) string {
	if !strings.Contains(text, "|") {
		return text
	}
	var masked []string
	mask := func(s string) string {
		masked = append(masked, s)
		return maskOpen + strconv.Itoa(len(masked)-1) + maskClose
	}
	text = markerByte.ReplaceAllStringFunc(text, mask)
	text = liquidTag.ReplaceAllStringFunc(text, mask)

	rng := rand.New(rand.NewSource(seed))
	for {
		open, close := -1, -1
		for i := 0; i < len(text); i++ {
			if text[i] == '{' {
				open = i
			} else if text[i] == '}' && open >= 0 {
				close = i
				break
			}
		}
		if close < 0 {
			break
		}
		body := text[open+1 : close]
		var choice string
		if strings.Contains(body, "|") {
			opts := strings.Split(body, "|")
			choice = opts[rng.Intn(len(opts))]
		} else {
			choice = mask(text[open : close+1])
		}
		text = text[:open] + choice + text[close+1:]
	}

	return unmask(text, masked)
}

// unmask restores tokens in one pass per level. Restored text is not
// rescanned, so a literal marker byte never reads as a token.
func unmask(text string, masked []string) string {
	return maskToken.ReplaceAllStringFunc(text, func(tok string) string {
		idx, err := strconv.Atoi(tok[1 : len(tok)-1])
		if err != nil || idx >= len(masked) {
			return tok
		}
		return unmask(masked[idx], masked)
	})
}

// SeedFor derives a stable spintax seed from an id such as a recipient id.
func SeedFor(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}
