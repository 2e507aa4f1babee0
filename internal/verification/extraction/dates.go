package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	issuedLabelRe = regexp.MustCompile(`(?i)\b(?:date\s+issued|issued\s+(?:on|date)|issue\s+date|date\s+of\s+issue|prescription\s+date|rx\s+date)\b`)
	birthRe       = regexp.MustCompile(`(?i)\b(?:birth|dob|d\.o\.b)\b`)

	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})([/.\-])(\d{1,2})[/.\-](\d{4})\b`)
	dayMonthRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	monthDayRe    = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// ExtractPrescriptionDate finds the issue date. A line labelled as the issue
// date wins over any other date on the page; lines mentioning a birth date
// are never considered.
func ExtractPrescriptionDate(text string) (time.Time, bool) {
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		if !issuedLabelRe.MatchString(line) || birthRe.MatchString(line) {
			continue
		}
		if d, ok := ParseDate(line); ok {
			return d, true
		}
		// label on its own line with the value below
		if i+1 < len(lines) && !birthRe.MatchString(lines[i+1]) {
			if d, ok := ParseDate(lines[i+1]); ok {
				return d, true
			}
		}
	}

	for _, line := range lines {
		if birthRe.MatchString(line) {
			continue
		}
		if d, ok := ParseDate(line); ok {
			return d, true
		}
	}
	return time.Time{}, false
}

// ParseDate returns the first date found in s, in UTC. Dotted numeric dates
// are day-first; slashed and dashed ones are month-first unless the first
// number cannot be a month.
func ParseDate(s string) (time.Time, bool) {
	type candidate struct {
		pos int
		t   time.Time
	}
	var found []candidate

	if m := isoDateRe.FindStringSubmatchIndex(s); m != nil {
		y, mo, d := atoi(s[m[2]:m[3]]), atoi(s[m[4]:m[5]]), atoi(s[m[6]:m[7]])
		if t, ok := mkDate(y, mo, d); ok {
			found = append(found, candidate{m[0], t})
		}
	}
	if m := numericDateRe.FindStringSubmatchIndex(s); m != nil {
		a, sep, b, y := atoi(s[m[2]:m[3]]), s[m[4]:m[5]], atoi(s[m[6]:m[7]]), atoi(s[m[8]:m[9]])
		day, month := b, a
		if sep == "." || a > 12 {
			day, month = a, b
		}
		if t, ok := mkDate(y, month, day); ok {
			found = append(found, candidate{m[0], t})
		}
	}
	if m := dayMonthRe.FindStringSubmatchIndex(s); m != nil {
		d, mo, y := atoi(s[m[2]:m[3]]), months[strings.ToLower(s[m[4]:m[5]])], atoi(s[m[6]:m[7]])
		if t, ok := mkDate(y, int(mo), d); ok {
			found = append(found, candidate{m[0], t})
		}
	}
	if m := monthDayRe.FindStringSubmatchIndex(s); m != nil {
		mo, d, y := months[strings.ToLower(s[m[2]:m[3]])], atoi(s[m[4]:m[5]]), atoi(s[m[6]:m[7]])
		if t, ok := mkDate(y, int(mo), d); ok {
			found = append(found, candidate{m[0], t})
		}
	}

	if len(found) == 0 {
		return time.Time{}, false
	}
	best := found[0]
	for _, c := range found[1:] {
		if c.pos < best.pos {
			best = c
		}
	}
	return best.t, true
}

func mkDate(y, m, d int) (time.Time, bool) {
	if y < 1900 || y > 2200 || m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
