package handlers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// Date patterns in precedence order. The first one that matches wins.
var birthDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日`),
	regexp.MustCompile(`(\d{4})/(\d{1,2})/(\d{1,2})`),
	regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`),
	regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})(?:\D|$)`),
}

// ParseBirthDate extracts a birth date from free text and normalizes it to
// YYYY-MM-DD. Full-width digits are accepted. Dates that do not exist on the
// calendar (1990-02-30) do not match.
func ParseBirthDate(text string) (string, bool) {
	s := width.Fold.String(text)
	for _, re := range birthDatePatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if !validDate(year, month, day) {
			return "", false
		}
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
	}
	return "", false
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

// ParseBloodType extracts A, B, O or AB from free text. Matching is case
// insensitive and ignores whitespace; text containing both A and B is AB.
func ParseBloodType(text string) (string, bool) {
	s := strings.ToUpper(strings.Join(strings.Fields(width.Fold.String(text)), ""))
	hasA := strings.Contains(s, "A")
	hasB := strings.Contains(s, "B")
	switch {
	case hasA && hasB:
		return "AB", true
	case hasA:
		return "A", true
	case hasB:
		return "B", true
	case strings.Contains(s, "O"):
		return "O", true
	default:
		return "", false
	}
}

var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"恋愛", "恋愛運"},
	{"仕事", "仕事運"},
	{"金運", "金運"},
	{"総合", "総合運"},
	{"対人", "対人運"},
}

// ParseCategory maps free text to a fortune category. Keywords are checked
// in a fixed order so "恋愛と仕事" resolves to 恋愛運.
func ParseCategory(text string) (string, bool) {
	for _, c := range categoryKeywords {
		if strings.Contains(text, c.keyword) {
			return c.category, true
		}
	}
	return "", false
}

var changeKeywords = []string{"変更", "修正", "訂正"}

// IsBirthDateChange reports whether the message asks to change the stored
// birth date.
func IsBirthDateChange(text string) bool {
	return containsAny(text, "生年月日", "誕生日") && containsAny(text, changeKeywords...)
}

// IsBloodTypeChange reports whether the message asks to change the stored
// blood type.
func IsBloodTypeChange(text string) bool {
	return strings.Contains(text, "血液型") && containsAny(text, changeKeywords...)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
