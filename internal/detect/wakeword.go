package detect

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mozillazg/go-pinyin"
)

// Matcher spots configured wake phrases inside transcribed text. Chinese
// phrases are matched phonetically so homophone transcriptions like
// 小知 for 小智 still trigger; latin text falls back to lowercase
// literal syllables.
type Matcher struct {
	threshold float64
	phrases   []wakePhrase
	cache     *lru.Cache[string, float64]
}

type wakePhrase struct {
	text  string
	keys  [3]string
	sylls int
}

// pinyin styles used for the three phonetic keys. Matching on all three
// tolerates tone errors and partial transcriptions.
var keyStyles = [3]int{pinyin.Tone, pinyin.Normal, pinyin.FirstLetter}

func NewMatcher(phrases []string, threshold float64, cacheSize int) (*Matcher, error) {
	cache, err := lru.New[string, float64](cacheSize)
	if err != nil {
		return nil, err
	}
	m := &Matcher{threshold: threshold, cache: cache}
	for _, text := range phrases {
		sylls := syllables(text, pinyin.Normal)
		if len(sylls) == 0 {
			continue
		}
		p := wakePhrase{text: text, sylls: len(sylls)}
		for i, style := range keyStyles {
			p.keys[i] = strings.Join(syllables(text, style), "")
		}
		m.phrases = append(m.phrases, p)
	}
	return m, nil
}

// Match scans the transcript for the best-scoring wake phrase. It
// reports the phrase and its similarity when the score clears the
// matcher threshold.
func (m *Matcher) Match(transcript string) (string, float64, bool) {
	if transcript == "" || len(m.phrases) == 0 {
		return "", 0, false
	}
	var (
		bestPhrase string
		bestScore  float64
	)
	for i, style := range keyStyles {
		trSylls := syllables(transcript, style)
		if len(trSylls) == 0 {
			continue
		}
		for _, p := range m.phrases {
			score := m.bestWindowScore(trSylls, p.sylls, p.keys[i])
			if score > bestScore {
				bestPhrase, bestScore = p.text, score
			}
		}
	}
	return bestPhrase, bestScore, bestScore >= m.threshold
}

// bestWindowScore slides a window of the phrase's syllable count over
// the transcript syllables and returns the highest similarity. Scores
// are memoized per (phrase key, window), so as a streaming transcript
// grows only the fresh trailing windows are scored.
func (m *Matcher) bestWindowScore(trSylls []string, width int, key string) float64 {
	if key == "" || width == 0 {
		return 0
	}
	if width > len(trSylls) {
		width = len(trSylls)
	}
	var best float64
	for start := 0; start+width <= len(trSylls); start++ {
		window := strings.Join(trSylls[start:start+width], "")
		s, ok := m.cache.Get(key + "\x00" + window)
		if !ok {
			s = similarity(window, key)
			m.cache.Add(key+"\x00"+window, s)
		}
		if s > best {
			best = s
		}
	}
	return best
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// syllables splits text into pinyin syllables. Latin letters and
// digits pass through lowercased, each run as one syllable, so mixed
// phrases like "hey智能" remain matchable.
func syllables(text string, style int) []string {
	args := pinyin.NewArgs()
	args.Style = style
	args.Fallback = func(r rune, _ pinyin.Args) []string {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return []string{string(unicode.ToLower(r))}
		}
		return nil
	}
	var out []string
	for _, cands := range pinyin.Pinyin(text, args) {
		if len(cands) > 0 && cands[0] != "" {
			out = append(out, cands[0])
		}
	}
	return out
}
