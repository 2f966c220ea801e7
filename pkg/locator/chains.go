package locator

import (
	"regexp"
	"strconv"
	"strings"
)

// Stock dialer resource ids.
const (
	DialerEndCallID     = "com.android.dialer:id/incall_end_call"
	DialerContactNameID = "com.android.dialer:id/contactgrid_contact_name"
	DialerTimerID       = "com.android.dialer:id/contactgrid_bottom_timer"
	DialerStatusID      = "com.android.dialer:id/contactgrid_status_text"
)

// EndCallKeywords covers English and Indonesian dialer labels.
var EndCallKeywords = []string{"end", "hang", "tutup", "akhiri"}

// CallStatusKeywords are words the dialer shows while a call is active.
var CallStatusKeywords = []string{
	"calling", "dialing", "ringing", "connected",
	"ongoing", "sedang", "berdering", "memanggil",
	"panggilan", "in call",
}

// EndCallQuery returns the fallback chain used to hang up a call:
// known id, label words, clickable ImageButton, bottom-most clickable.
func EndCallQuery(ids []string, keywords []string) Query {
	if len(ids) == 0 {
		ids = []string{DialerEndCallID}
	}
	if len(keywords) == 0 {
		keywords = EndCallKeywords
	}
	return Query{
		ByID(ids...),
		ByDescWords(keywords...),
		ByClassClickable("android.widget.ImageButton"),
		BottomMostClickable(),
	}
}

// Extractor reads a value from a snapshot, reporting false when it has nothing.
type Extractor func(s *Snapshot) (string, bool)

// ExtractText runs extractors in order and returns the first value found,
// or def when none applies.
func ExtractText(s *Snapshot, extractors []Extractor, def string) string {
	if s == nil || s.Root == nil {
		return def
	}
	for _, ex := range extractors {
		if v, ok := ex(s); ok {
			return v
		}
	}
	return def
}

// TextOfID returns the trimmed text of the first node with the given id.
func TextOfID(id string) Extractor {
	return func(s *Snapshot) (string, bool) {
		for _, n := range s.Nodes() {
			if n.ResourceID == id {
				if t := strings.TrimSpace(n.Text); t != "" {
					return t, true
				}
			}
		}
		return "", false
	}
}

// TextMatching returns the first node text matching re.
func TextMatching(re *regexp.Regexp) Extractor {
	return func(s *Snapshot) (string, bool) {
		for _, n := range s.Nodes() {
			if t := strings.TrimSpace(n.Text); t != "" && re.MatchString(t) {
				return t, true
			}
		}
		return "", false
	}
}

// DescMatching returns the first content description matching re.
func DescMatching(re *regexp.Regexp) Extractor {
	return func(s *Snapshot) (string, bool) {
		for _, n := range s.Nodes() {
			if d := strings.TrimSpace(n.ContentDesc); d != "" && re.MatchString(d) {
				return d, true
			}
		}
		return "", false
	}
}

var (
	clockText   = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?$`)
	clockInDesc = regexp.MustCompile(`\d+:\d{2}`)
	clockParts  = regexp.MustCompile(`(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	hasDigit    = regexp.MustCompile(`\d`)
)

// DefaultDuration is returned when no call timer is visible.
const DefaultDuration = "00:00"

// CallDuration reads the in-call timer.
func CallDuration(s *Snapshot) string {
	return ExtractText(s, []Extractor{
		TextOfID(DialerTimerID),
		TextMatching(clockText),
		DescMatching(clockInDesc),
	}, DefaultDuration)
}

// CallTarget reads the number or contact name of the current call.
func CallTarget(s *Snapshot) string {
	return ExtractText(s, []Extractor{
		TextOfID(DialerContactNameID),
		DescMatching(hasDigit),
		func(s *Snapshot) (string, bool) {
			for _, n := range s.Nodes() {
				t := strings.TrimSpace(n.Text)
				if t == "" {
					continue
				}
				if strings.HasPrefix(t, "+") || isDigits(strings.ReplaceAll(t, " ", "")) {
					return t, true
				}
				if len(t) >= 3 && isLetters(t) {
					return t, true
				}
			}
			return "", false
		},
	}, "")
}

// CallStatus describes the call state shown on screen, or "unknown".
func CallStatus(s *Snapshot) string {
	status := ExtractText(s, []Extractor{
		TextOfID(DialerStatusID),
		func(s *Snapshot) (string, bool) {
			for _, n := range s.Nodes() {
				if containsAny(n.ContentDesc, CallStatusKeywords) {
					return strings.ToLower(strings.TrimSpace(n.ContentDesc)), true
				}
			}
			return "", false
		},
		func(s *Snapshot) (string, bool) {
			for _, n := range s.Nodes() {
				if containsAny(n.Text, CallStatusKeywords) {
					return strings.ToLower(strings.TrimSpace(n.Text)), true
				}
			}
			return "", false
		},
	}, "")
	if status != "" {
		return status
	}
	if CallDuration(s) != DefaultDuration {
		return "connected"
	}
	return "unknown"
}

// ParseClock converts "mm:ss" or "h:mm:ss" (possibly embedded in other text)
// to seconds.
func ParseClock(v string) (int, bool) {
	m := clockParts.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	if m[3] == "" {
		return a*60 + b, true
	}
	c, _ := strconv.Atoi(m[3])
	return a*3600 + b*60 + c, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetters(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return s != ""
}
