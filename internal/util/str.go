package util

import "strings"

func NormalizeStr(input string) string {
	var result string
	result = input

	result = strings.Join(strings.Fields(result), "")
	result = strings.ToLower(result)

	result = strings.ReplaceAll(result, " ", "")
	result = strings.ReplaceAll(result, "&nbsp;", "")
	result = strings.ReplaceAll(result, "&#160;", "")

	return result
}

// homoglyphs maps Cyrillic letters that are visually identical to Latin ones.
// Sellers routinely mix alphabets when typing part numbers, so "CB1234" and
// a Cyrillic "СВ1234" compare equal after folding. Cyrillic letters without a
// Latin lookalike here (such as "Л") are not mapped.
var homoglyphs = map[rune]rune{
	'а': 'a',
	'в': 'b',
	'е': 'e',
	'к': 'k',
	'м': 'm',
	'н': 'h',
	'о': 'o',
	'р': 'p',
	'с': 'c',
	'т': 't',
	'у': 'y',
	'х': 'x',
}

// FoldArticulum case-folds the input, maps Cyrillic homoglyphs to their Latin
// counterparts and strips everything that is not a letter or a digit.
func FoldArticulum(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	for _, r := range strings.ToLower(input) {
		if mapped, ok := homoglyphs[r]; ok {
			r = mapped
		}

		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// ContainsArticulum reports whether the folded articulum occurs in any of the
// given texts after the same folding.
func ContainsArticulum(articulum string, texts ...string) bool {
	needle := FoldArticulum(articulum)
	if needle == "" {
		return false
	}

	for _, text := range texts {
		if strings.Contains(FoldArticulum(text), needle) {
			return true
		}
	}

	return false
}

// Truncate cuts s to at most n runes. Used to bound AI payload fields.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
