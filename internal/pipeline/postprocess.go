package pipeline

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mikesibiu/BudgetTranslate/internal/config"
)

// PostProcessor applies the ordered output fixups: domain term mappings,
// proper-noun canonicalization, source-number preservation, date
// preservation, and the single-word fallback.
type PostProcessor struct {
	mappings   []compiledMapping
	religious  []compiledNounRule
	singleWord map[string]string
}

type compiledMapping struct {
	re                 *regexp.Regexp
	replacement        string
	whenSourceContains string
}

type compiledNounRule struct {
	trigger   string // lowercase English trigger
	canonical string
	variants  []*regexp.Regexp
}

// NewPostProcessor compiles the rule set from the terms file. Invalid
// patterns are skipped with a log line; nil terms yields the built-in
// fallback dictionary only.
func NewPostProcessor(terms *config.Terms) *PostProcessor {
	p := &PostProcessor{singleWord: make(map[string]string)}
	for k, v := range builtinSingleWord {
		p.singleWord[k] = v
	}
	if terms == nil {
		return p
	}
	for _, m := range terms.Mappings {
		re, err := regexp.Compile("(?i)" + m.Pattern)
		if err != nil {
			slog.Warn("bad term mapping pattern, skipped", "pattern", m.Pattern, "err", err)
			continue
		}
		p.mappings = append(p.mappings, compiledMapping{
			re:                 re,
			replacement:        m.Replacement,
			whenSourceContains: strings.ToLower(m.WhenSourceContains),
		})
	}
	for _, r := range terms.ReligiousNouns {
		cr := compiledNounRule{
			trigger:   strings.ToLower(r.EnglishTrigger),
			canonical: r.Canonical,
		}
		for _, v := range r.Variants {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(v) + `\b`)
			if err != nil {
				slog.Warn("bad proper-noun variant, skipped", "variant", v, "err", err)
				continue
			}
			cr.variants = append(cr.variants, re)
		}
		p.religious = append(p.religious, cr)
	}
	for _, w := range terms.SingleWord {
		p.singleWord[foldKey(w.Source)] = w.Target
	}
	return p
}

// Apply runs the fixups in order on emitted. newText is the delta chunk the
// decision approved; fullText is the whole source transcript.
func (p *PostProcessor) Apply(emitted, newText, fullText, targetLang string) string {
	out := emitted

	srcLower := strings.ToLower(fullText)
	for _, m := range p.mappings {
		if m.whenSourceContains != "" && !strings.Contains(srcLower, m.whenSourceContains) {
			continue
		}
		out = m.re.ReplaceAllString(out, m.replacement)
	}

	if baseLang(targetLang) == "ro" {
		for _, r := range p.religious {
			if !strings.Contains(srcLower, r.trigger) {
				continue
			}
			for _, re := range r.variants {
				out = re.ReplaceAllString(out, r.canonical)
			}
		}
	}

	out = preserveNumbers(out, newText)
	out = preserveDates(out, newText, targetLang)

	if mapped, ok := p.singleWord[foldKey(newText)]; ok && foldKey(out) == foldKey(newText) {
		out = mapped
	}

	return out
}

// builtinSingleWord covers words MT tends to pass through untranslated.
// Keys are diacritic-stripped lowercase source words.
var builtinSingleWord = map[string]string{
	"pace":      "peace",
	"credinta":  "faith",
	"iubire":    "love",
	"speranta":  "hope",
	"bucurie":   "joy",
	"rabdare":   "patience",
	"indurare":  "mercy",
	"amin":      "amen",
	"multumesc": "thank you",
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldKey lowercases and strips diacritics for tolerant equality checks.
func foldKey(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func baseLang(tag string) string {
	return strings.ToLower(strings.SplitN(tag, "-", 2)[0])
}

// --- number preservation ---

var (
	// Multi-group thousands like 1.234.567; MT converts the separators
	// correctly, so these are never substituted back.
	reMultiGroup = regexp.MustCompile(`^\d+(?:\.\d{3})+$`)
	// Numeric token: multi-group thousands first, then decimal/thousand
	// pairs, then bare integers.
	reNumber = regexp.MustCompile(`\d+(?:\.\d{3})+|\d+(?:[.,]\d+)?`)
)

// numberWords maps spelled-out small English numbers to digit strings for
// the count-mismatch path.
var numberWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
	"fourteen": "14", "fifteen": "15", "sixteen": "16", "seventeen": "17",
	"eighteen": "18", "nineteen": "19", "twenty": "20", "thirty": "30",
	"forty": "40", "fifty": "50", "sixty": "60", "seventy": "70",
	"eighty": "80", "ninety": "90", "hundred": "100", "thousand": "1000",
}

var reNumberWord = buildNumberWordRegexp()

func buildNumberWordRegexp() *regexp.Regexp {
	words := make([]string, 0, len(numberWords))
	for w := range numberWords {
		words = append(words, w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}

type numToken struct {
	start, end int
	digits     string
	text       string
}

// preserveNumbers substitutes source numeric tokens back into the output
// positionally. When token counts differ, spelled-out numbers and contiguous
// digit runs in the output are matched against source digits first.
func preserveNumbers(output, source string) string {
	srcTokens := reNumber.FindAllString(source, -1)
	if len(srcTokens) == 0 {
		return output
	}

	outToks := numericTokens(output)
	if len(outToks) == len(srcTokens) {
		return substitutePositional(output, outToks, srcTokens)
	}

	// Include spelled-out English numbers as tokens and retry.
	withWords := withNumberWords(output, outToks)
	if len(withWords) == len(srcTokens) {
		return substitutePositional(output, withWords, srcTokens)
	}

	return mergeDigitRuns(output, withWords, srcTokens)
}

func numericTokens(s string) []numToken {
	locs := reNumber.FindAllStringIndex(s, -1)
	out := make([]numToken, 0, len(locs))
	for _, loc := range locs {
		text := s[loc[0]:loc[1]]
		out = append(out, numToken{start: loc[0], end: loc[1], digits: digitsOf(text), text: text})
	}
	return out
}

func withNumberWords(s string, numeric []numToken) []numToken {
	wordLocs := reNumberWord.FindAllStringIndex(s, -1)
	out := append([]numToken(nil), numeric...)
	for _, loc := range wordLocs {
		w := strings.ToLower(s[loc[0]:loc[1]])
		out = append(out, numToken{start: loc[0], end: loc[1], digits: numberWords[w], text: s[loc[0]:loc[1]]})
	}
	sortTokens(out)
	return out
}

func sortTokens(toks []numToken) {
	for i := 1; i < len(toks); i++ {
		for j := i; j > 0 && toks[j].start < toks[j-1].start; j-- {
			toks[j], toks[j-1] = toks[j-1], toks[j]
		}
	}
}

func substitutePositional(output string, toks []numToken, srcTokens []string) string {
	var b strings.Builder
	prev := 0
	for i, tok := range toks {
		b.WriteString(output[prev:tok.start])
		if reMultiGroup.MatchString(srcTokens[i]) {
			b.WriteString(output[tok.start:tok.end])
		} else {
			b.WriteString(srcTokens[i])
		}
		prev = tok.end
	}
	b.WriteString(output[prev:])
	return b.String()
}

// mergeDigitRuns finds consecutive output tokens whose concatenated digits
// equal a source number's digits and substitutes the run.
func mergeDigitRuns(output string, toks []numToken, srcTokens []string) string {
	type span struct {
		start, end int
		text       string
	}
	var spans []span

	next := 0
	for _, src := range srcTokens {
		want := digitsOf(src)
		for j := next; j < len(toks); j++ {
			acc := ""
			for k := j; k < len(toks); k++ {
				if k > j && hasLetters(output[toks[k-1].end:toks[k].start]) {
					break
				}
				acc += toks[k].digits
				if len(acc) > len(want) {
					break
				}
				if acc == want {
					if !reMultiGroup.MatchString(src) {
						spans = append(spans, span{start: toks[j].start, end: toks[k].end, text: src})
					}
					next = k + 1
					j = len(toks)
					break
				}
			}
		}
	}

	if len(spans) == 0 {
		return output
	}
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp.start < prev {
			continue
		}
		b.WriteString(output[prev:sp.start])
		b.WriteString(sp.text)
		prev = sp.end
	}
	b.WriteString(output[prev:])
	return b.String()
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// --- date preservation ---

var reDateTriple = regexp.MustCompile(`(\d{1,2})\s+(\p{L}+)\s+(\d{4})`)

var monthsRoToEn = map[string]string{
	"ianuarie": "January", "februarie": "February", "martie": "March",
	"aprilie": "April", "mai": "May", "iunie": "June", "iulie": "July",
	"august": "August", "septembrie": "September", "octombrie": "October",
	"noiembrie": "November", "decembrie": "December",
}

var monthsEnToRo = func() map[string]string {
	m := make(map[string]string, len(monthsRoToEn))
	for ro, en := range monthsRoToEn {
		m[strings.ToLower(en)] = ro
	}
	return m
}()

// preserveDates reinstates a dropped month name: for each "day month year"
// triple in the source, if the output carries the day and year but no month
// name at all, the month is injected between them.
func preserveDates(output, source, targetLang string) string {
	matches := reDateTriple.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return output
	}
	outLower := strings.ToLower(output)
	for _, m := range matches {
		day, month, year := m[1], m[2], m[3]
		if containsMonthName(outLower) {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(day) + `\s+` + regexp.QuoteMeta(year) + `\b`)
		if err != nil || !re.MatchString(output) {
			continue
		}
		output = re.ReplaceAllString(output, day+" "+translatedMonth(month, targetLang)+" "+year)
		outLower = strings.ToLower(output)
	}
	return output
}

func containsMonthName(sLower string) bool {
	for ro, en := range monthsRoToEn {
		if strings.Contains(sLower, ro) || strings.Contains(sLower, strings.ToLower(en)) {
			return true
		}
	}
	return false
}

func translatedMonth(month, targetLang string) string {
	ml := strings.ToLower(month)
	switch baseLang(targetLang) {
	case "en":
		if en, ok := monthsRoToEn[ml]; ok {
			return en
		}
	case "ro":
		if ro, ok := monthsEnToRo[ml]; ok {
			return ro
		}
	}
	return month
}
