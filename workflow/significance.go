package workflow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/state"
)

// DefaultPostLimit is the platform character budget per post. The thread
// prefix counts against it.
const DefaultPostLimit = 280

// SignificanceCounts are the per-cycle tallies the ASSESS stage scores.
type SignificanceCounts struct {
	Market         int
	Social         int
	News           int
	MarketPatterns int
	SocialPatterns int
	NewsPatterns   int
	Correlations   int
}

// Significance scores the cycle:
//
//	min(1.0, 0.3 + 0.1·market + 0.05·social + 0.15·news
//	       + 0.15·marketPatterns + 0.1·socialPatterns + 0.2·newsPatterns
//	       + 0.25·correlations)
func (c SignificanceCounts) Significance() float64 {
	sig := 0.3 +
		0.1*float64(c.Market) +
		0.05*float64(c.Social) +
		0.15*float64(c.News) +
		0.15*float64(c.MarketPatterns) +
		0.1*float64(c.SocialPatterns) +
		0.2*float64(c.NewsPatterns) +
		0.25*float64(c.Correlations)
	if sig > 1 {
		sig = 1
	}
	return sig
}

// CountsFrom tallies the state's cycle buffers.
func CountsFrom(st *state.UnifiedState) SignificanceCounts {
	market, social, news := st.EventCounts()
	c := SignificanceCounts{
		Market:       market,
		Social:       social,
		News:         news,
		Correlations: len(st.Correlations),
	}
	for _, p := range st.Patterns {
		switch patternDomain(p) {
		case "market":
			c.MarketPatterns++
		case "social":
			c.SocialPatterns++
		default:
			c.NewsPatterns++
		}
	}
	return c
}

// patternDomain buckets a pattern by the category its detector recorded.
// Coordinated shifts carry no category; they are account behavior, so they
// count as social.
func patternDomain(p detect.Pattern) string {
	category, _ := p.Metadata["startCategory"].(string)
	if category == "" {
		category, _ = p.Metadata["category"].(string)
	}
	switch category {
	case "crypto", "financial":
		return "market"
	case "social":
		return "social"
	case "":
		if p.PatternType == detect.PatternCoordinatedShift {
			return "social"
		}
		return "news"
	default:
		return "news"
	}
}

// SelectResponseType maps significance to an artifact shape.
func SelectResponseType(significance, threadThreshold, bridgeThreshold float64) state.ResponseType {
	switch {
	case significance > threadThreshold:
		return state.ResponseThreadAnalysis
	case significance > bridgeThreshold:
		return state.ResponseHistoricalBridge
	default:
		return state.ResponseQuickTake
	}
}

// SplitThread splits content into segments of at most limit runes, each
// prefixed "🧵 i/N ". Content that fits in one post is returned unprefixed.
// Splits prefer sentence boundaries, then word boundaries; only a word
// longer than a whole segment is cut mid-word.
func SplitThread(content string, limit int) []string {
	if limit <= 0 {
		limit = DefaultPostLimit
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	// The prefix length depends on the segment count, which depends on the
	// budget. Re-split until the digit width stops growing.
	digits := 1
	for {
		budget := limit - threadPrefixRunes(digits)
		segments := packSegments(content, budget)
		if numDigits(len(segments)) <= digits {
			out := make([]string, len(segments))
			for i, seg := range segments {
				out[i] = fmt.Sprintf("🧵 %d/%d %s", i+1, len(segments), seg)
			}
			return out
		}
		digits = numDigits(len(segments))
	}
}

// threadPrefixRunes is the rune length of "🧵 i/N " with both numbers at
// the given digit width.
func threadPrefixRunes(digits int) int { return 4 + 2*digits }

func numDigits(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

// packSegments greedily fills segments with whole sentences, falling back
// to word wrapping for sentences longer than one segment.
func packSegments(content string, budget int) []string {
	if budget < 1 {
		budget = 1
	}

	var segments []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, sentence := range splitSentences(content) {
		sl := utf8.RuneCountInString(sentence)
		if sl > budget {
			flush()
			segments = append(segments, wordWrap(sentence, budget)...)
			continue
		}
		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+sl > budget {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(sentence)
		curLen += sl
	}
	flush()
	return segments
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. Trailing text without a terminator is its own sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(text) && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			if j < len(text) && text[j] != ' ' && text[j] != '\n' && text[j] != '\t' {
				i = j - 1
				continue
			}
			if s := strings.TrimSpace(text[start:j]); s != "" {
				out = append(out, s)
			}
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t') {
				j++
			}
			start = j
			i = j - 1
		}
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func wordWrap(text string, budget int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(text) {
		wl := utf8.RuneCountInString(word)
		if wl > budget {
			flush()
			out = append(out, hardCut(word, budget)...)
			continue
		}
		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+wl > budget {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += wl
	}
	flush()
	return out
}

func hardCut(word string, budget int) []string {
	var out []string
	runes := []rune(word)
	for len(runes) > budget {
		out = append(out, string(runes[:budget]))
		runes = runes[budget:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// TruncatePost clamps a single post to the limit at a word boundary with
// a trailing ellipsis.
func TruncatePost(content string, limit int) string {
	if limit <= 0 {
		limit = DefaultPostLimit
	}
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	cut := limit - 1
	for i := cut; i > 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}
