package automod

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"
)

const defaultMatcherCacheSize = 256

// WordMatcher matches whole words case-insensitively. Compiled patterns are
// cached per distinct word list, so guilds sharing a list share a pattern.
type WordMatcher struct {
	cache *lru.Cache[uint64, *regexp.Regexp]
}

func NewWordMatcher(size int) *WordMatcher {
	if size <= 0 {
		size = defaultMatcherCacheSize
	}
	c, err := lru.New[uint64, *regexp.Regexp](size)
	if err != nil {
		panic(err)
	}
	return &WordMatcher{cache: c}
}

// Match returns the first banned word found in text. Word boundaries are
// Unicode-aware: a word only matches when not surrounded by letters, digits
// or underscores.
func (m *WordMatcher) Match(text string, words []string) (string, bool) {
	re := m.compiled(words)
	if re == nil {
		return "", false
	}
	sub := re.FindStringSubmatch(norm.NFC.String(text))
	if sub == nil {
		return "", false
	}
	return strings.ToLower(sub[1]), true
}

func (m *WordMatcher) compiled(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	key := fingerprint(words)
	if re, ok := m.cache.Get(key); ok {
		return re
	}
	re := compileWords(words)
	m.cache.Add(key, re)
	return re
}

func fingerprint(words []string) uint64 {
	h := fnv.New64a()
	for _, w := range words {
		_, _ = h.Write([]byte(w))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// compileWords returns nil when no usable word remains.
func compileWords(words []string) *regexp.Regexp {
	alts := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		w = norm.NFC.String(strings.ToLower(strings.TrimSpace(w)))
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		alts = append(alts, regexp.QuoteMeta(w))
	}
	if len(alts) == 0 {
		return nil
	}
	// Longest first so the reported word is the most specific one.
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	const edge = `[^\p{L}\p{N}_]`
	return regexp.MustCompile(`(?i)(?:^|` + edge + `)(` + strings.Join(alts, "|") + `)(?:$|` + edge + `)`)
}

// CheckBadWords reports whether text contains a banned word from cfg.
func (m *WordMatcher) CheckBadWords(text string, cfg BadWordsConfig) bool {
	_, ok := m.Match(text, cfg.EffectiveWords())
	return ok
}
