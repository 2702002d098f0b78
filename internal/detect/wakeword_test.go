package detect

import "testing"

func newTestMatcher(t *testing.T, phrases ...string) *Matcher {
	t.Helper()
	m, err := NewMatcher(phrases, 0.82, 64)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func TestMatcherExactPhrase(t *testing.T) {
	m := newTestMatcher(t, "小智")
	phrase, conf, ok := m.Match("小智")
	if !ok {
		t.Fatalf("exact phrase not matched, confidence %v", conf)
	}
	if phrase != "小智" {
		t.Fatalf("phrase = %q, want 小智", phrase)
	}
	if conf < 0.99 {
		t.Fatalf("confidence = %v, want ~1.0", conf)
	}
}

func TestMatcherHomophone(t *testing.T) {
	// 知 and 智 share the syllable zhi, differing only in tone.
	m := newTestMatcher(t, "小智")
	if _, conf, ok := m.Match("小知"); !ok {
		t.Fatalf("homophone not matched, confidence %v", conf)
	}
}

func TestMatcherEmbeddedInTranscript(t *testing.T) {
	m := newTestMatcher(t, "小智")
	if _, _, ok := m.Match("你好小智今天天气怎么样"); !ok {
		t.Fatal("phrase embedded in longer transcript not matched")
	}
}

func TestMatcherRejectsUnrelatedText(t *testing.T) {
	m := newTestMatcher(t, "小智")
	if phrase, conf, ok := m.Match("今天天气很好"); ok {
		t.Fatalf("unrelated text matched %q with confidence %v", phrase, conf)
	}
}

func TestMatcherEmptyInputs(t *testing.T) {
	m := newTestMatcher(t, "小智")
	if _, _, ok := m.Match(""); ok {
		t.Fatal("empty transcript matched")
	}
	empty := newTestMatcher(t)
	if _, _, ok := empty.Match("小智"); ok {
		t.Fatal("matcher with no phrases matched")
	}
}

func TestMatcherCachedResultStable(t *testing.T) {
	m := newTestMatcher(t, "小智")
	_, conf1, ok1 := m.Match("你好小智")
	_, conf2, ok2 := m.Match("你好小智")
	if ok1 != ok2 || conf1 != conf2 {
		t.Fatalf("cached result differs: (%v,%v) then (%v,%v)", conf1, ok1, conf2, ok2)
	}
}

func TestMatcherMemoizesWindowsAcrossGrowingTranscript(t *testing.T) {
	m := newTestMatcher(t, "小智")
	m.Match("你好小智")
	seeded := m.cache.Len()
	if seeded == 0 {
		t.Fatal("no window scores memoized")
	}

	// Re-scoring the same transcript only touches memoized windows.
	m.Match("你好小智")
	if n := m.cache.Len(); n != seeded {
		t.Fatalf("cache grew from %d to %d on a repeated transcript", seeded, n)
	}

	// A longer transcript shares its leading windows with the shorter
	// one, so only the trailing windows are new.
	m.Match("你好小智今天")
	grown := m.cache.Len()
	fresh := grown - seeded
	if fresh <= 0 {
		t.Fatalf("extended transcript added %d entries, want > 0", fresh)
	}
	if fresh >= seeded {
		t.Fatalf("extended transcript re-scored everything: %d new entries against %d seeded", fresh, seeded)
	}
	if _, _, ok := m.Match("你好小智今天"); !ok {
		t.Fatal("embedded phrase lost after memoization")
	}
}

func TestMatcherMultiplePhrases(t *testing.T) {
	m := newTestMatcher(t, "小智", "贾维斯")
	phrase, _, ok := m.Match("贾维斯")
	if !ok || phrase != "贾维斯" {
		t.Fatalf("Match(贾维斯) = (%q, %v), want second phrase", phrase, ok)
	}
}
