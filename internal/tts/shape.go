package tts

import (
	"regexp"
	"strings"
)

var (
	tagPattern         = regexp.MustCompile(`</?(?:speak|break|emphasis)\b[^>]*>`)
	spacePattern       = regexp.MustCompile(`\s+`)
	markRunPattern     = regexp.MustCompile(`[.?!]{2,}`)
	sentenceEndPattern = regexp.MustCompile(`[.?!]\s+`)

	// Leftmost-first: longer phrases are listed before their suffixes.
	reactionPattern = regexp.MustCompile(`\b(?:Oh really\?|That's interesting!|That's crazy!|No way!|Seriously\?|Really\?|Cool!|Nice!|Wow,|I get it)`)
	fillerPattern   = regexp.MustCompile(`(^|, )(You know|Actually|So|Well|Um|Uh|I mean|Honestly|Oh|Okay),`)

	unescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">")
	escaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

const (
	questionBreak = `<break time="500ms"/>`
	sentenceBreak = `<break time="400ms"/>`
	fillerBreak   = `<break time="200ms"/>`
)

// Shape turns an agent utterance into SSML with conversational pauses.
// Shape(Shape(x)) == Shape(x); markup from an earlier pass is stripped first.
// Blank input yields "".
func Shape(text string) string {
	plain := Plain(text)
	if plain == "" {
		return ""
	}

	sentences := splitSentences(plain)
	var b strings.Builder
	b.WriteString("<speak>")
	for i, s := range sentences {
		if i > 0 {
			if strings.HasSuffix(sentences[i-1], "?") {
				b.WriteString(" " + questionBreak + " ")
			} else {
				b.WriteString(" " + sentenceBreak + " ")
			}
		}
		b.WriteString(decorate(escaper.Replace(s)))
	}
	b.WriteString("</speak>")
	return b.String()
}

// Plain strips markup and returns the normalized utterance text.
func Plain(text string) string {
	text = tagPattern.ReplaceAllString(text, "")
	text = unescaper.Replace(text)
	return normalize(text)
}

func normalize(text string) string {
	text = spacePattern.ReplaceAllString(text, " ")
	text = markRunPattern.ReplaceAllStringFunc(text, func(run string) string {
		return run[len(run)-1:]
	})
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	switch text[len(text)-1] {
	case '.', '?', '!':
	default:
		text += "."
	}
	return text
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEndPattern.FindAllStringIndex(text, -1) {
		out = append(out, strings.TrimSpace(text[start:loc[0]+1]))
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func decorate(sentence string) string {
	sentence = reactionPattern.ReplaceAllString(sentence, `<emphasis level="moderate">$0</emphasis>`)
	return fillerPattern.ReplaceAllString(sentence, `$1$2,`+fillerBreak)
}
