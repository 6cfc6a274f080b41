package vocabulary

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vimo-ai/VhisperNative/internal/config"
)

// hotwordWeight is the biasing weight handed to recognizers that accept
// weighted hint lists.
const hotwordWeight = 20

type replacement struct {
	re *regexp.Regexp
	to string
}

// Processor corrects recognized text against the configured vocabulary.
// Variants are replaced case-insensitively, longest variant first so
// overlapping variants cannot shadow each other. The replacement table is
// compiled on first use; build a new Processor when the config changes.
type Processor struct {
	categories map[string]config.VocabularyCategory

	once  sync.Once
	rules []replacement
}

func NewProcessor(cfg config.VocabularyConfig) *Processor {
	return &Processor{categories: cfg.Categories}
}

// Apply rewrites every known variant in text to its correct word. Each
// rule runs against the output of the previous one.
func (p *Processor) Apply(text string) string {
	if text == "" {
		return text
	}
	p.once.Do(p.compile)
	result := text
	for _, r := range p.rules {
		result = r.re.ReplaceAllString(result, r.to)
	}
	return result
}

func (p *Processor) compile() {
	type pair struct {
		variant string
		word    string
	}
	var pairs []pair
	for _, cat := range p.categories {
		if !cat.Enabled {
			continue
		}
		for _, item := range cat.Items {
			word := strings.TrimSpace(item.Word)
			if word == "" {
				continue
			}
			for _, variant := range item.Variants {
				variant = strings.TrimSpace(variant)
				if variant == "" {
					continue
				}
				pairs = append(pairs, pair{variant: variant, word: word})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if len(pairs[i].variant) != len(pairs[j].variant) {
			return len(pairs[i].variant) > len(pairs[j].variant)
		}
		if pairs[i].variant != pairs[j].variant {
			return pairs[i].variant < pairs[j].variant
		}
		return pairs[i].word < pairs[j].word
	})

	seen := make(map[string]bool, len(pairs))
	rules := make([]replacement, 0, len(pairs))
	for _, pr := range pairs {
		key := strings.ToLower(pr.variant)
		if seen[key] {
			continue
		}
		seen[key] = true
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pr.variant))
		if err != nil {
			continue
		}
		rules = append(rules, replacement{re: re, to: pr.word})
	}
	p.rules = rules
}

// Hotwords returns the enabled correct words with their biasing weight.
func Hotwords(cfg config.VocabularyConfig) map[string]int {
	words := make(map[string]int)
	for _, cat := range cfg.Categories {
		if !cat.Enabled {
			continue
		}
		for _, item := range cat.Items {
			if word := strings.TrimSpace(item.Word); word != "" {
				words[word] = hotwordWeight
			}
		}
	}
	return words
}

// Words returns the enabled correct words, sorted and deduplicated.
func Words(cfg config.VocabularyConfig) []string {
	set := Hotwords(cfg)
	words := make([]string, 0, len(set))
	for word := range set {
		words = append(words, word)
	}
	sort.Strings(words)
	return words
}
