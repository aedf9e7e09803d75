package collect

import "strings"

// Small polarity lexicons shared by the social and news collectors. The
// score is (positive − negative) / (positive + negative), zero when no
// lexicon word appears, so it always lands in [-1, 1].
var positiveWords = map[string]struct{}{
	"bullish": {}, "surge": {}, "rally": {}, "gain": {}, "gains": {},
	"growth": {}, "breakout": {}, "adoption": {}, "record": {}, "soar": {},
	"soars": {}, "strong": {}, "optimism": {}, "optimistic": {}, "recovery": {},
	"upgrade": {}, "win": {}, "wins": {}, "success": {}, "innovative": {},
}

var negativeWords = map[string]struct{}{
	"bearish": {}, "crash": {}, "dump": {}, "plunge": {}, "plunges": {},
	"collapse": {}, "fear": {}, "panic": {}, "fraud": {}, "scam": {},
	"hack": {}, "hacked": {}, "lawsuit": {}, "ban": {}, "banned": {},
	"liquidation": {}, "bankruptcy": {}, "selloff": {}, "weak": {}, "loss": {},
	"losses": {}, "warning": {}, "manipulation": {}, "downgrade": {},
}

// Sentiment scores text in [-1, 1].
func Sentiment(text string) float64 {
	pos, neg := 0, 0
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]#@")
		if _, ok := positiveWords[word]; ok {
			pos++
		}
		if _, ok := negativeWords[word]; ok {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}
