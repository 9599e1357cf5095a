package nlu

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type intentRule struct {
	intent     Intent
	confidence float64
	re         *regexp.Regexp
}

func phrases(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Checked in order; the first match wins.
var intentRules = []intentRule{
	{IntentEmergency, 0.95, phrases("emergency", "urgent", "severe pain", "bleeding", "swollen", "swelling", "knocked out", "broken tooth", "unbearable")},
	{IntentCancelAppointment, 0.9, phrases("cancel", "call off")},
	{IntentRescheduleAppointment, 0.9, phrases("reschedule", "move my appointment", "change my appointment", "push my appointment", "different time")},
	{IntentBookAppointment, 0.85, phrases("book", "make an appointment", "schedule an appointment", "schedule a", "reserve", "set up an appointment")},
	{IntentCheckAvailability, 0.85, phrases("availability", "available", "free slots", "openings", "open slots", "when can i come", "any slots")},
	{IntentListPractitioners, 0.85, phrases("dentists", "practitioners", "doctors", "who works", "which dentist", "your staff")},
	{IntentClinicInfo, 0.8, phrases("address", "opening hours", "business hours", "where are you", "located", "location", "phone number", "parking")},
	{IntentHelp, 0.8, phrases("help", "what can you do", "how does this work")},
	{IntentGoodbye, 0.85, phrases("bye", "goodbye", "that's all", "see you", "thanks bye")},
	{IntentGreeting, 0.8, phrases("hi", "hello", "hey", "good morning", "good afternoon", "good evening")},
}

var serviceKeywords = []struct {
	re      *regexp.Regexp
	service string
}{
	{phrases("root canal"), "root_canal"},
	{phrases("cleaning", "clean", "hygiene"), "cleaning"},
	{phrases("checkup", "check-up", "check up", "exam", "examination"), "checkup"},
	{phrases("filling", "cavity"), "filling"},
	{phrases("extraction", "pull a tooth", "wisdom tooth", "wisdom teeth"), "extraction"},
	{phrases("whitening"), "whitening"},
	{phrases("crown"), "crown"},
	{phrases("consultation", "consult"), "consultation"},
}

var (
	emailRe        = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	uuidRe         = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	clockRe        = regexp.MustCompile(`(?i)\b([01]?\d|2[0-3]):([0-5]\d)\s*(am|pm)?\b`)
	meridiemRe     = regexp.MustCompile(`(?i)\b(1[0-2]|0?[1-9])\s*(am|pm)\b`)
	noonRe         = regexp.MustCompile(`(?i)\bnoon\b`)
	windowRe       = regexp.MustCompile(`(?i)\b(morning|afternoon|evening)\b`)
	relativeDayRe  = regexp.MustCompile(`(?i)\b(today|tomorrow|day after tomorrow)\b`)
	weekdayRe      = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	practitionerRe = regexp.MustCompile(`(?i)\bdr\.?\s+([a-z][a-z'\-]+)`)
	nameRe         = regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*)?)`)
	phoneRe        = regexp.MustCompile(`\+?\d[\d\s\-().]{8,}\d`)
	reasonRe       = regexp.MustCompile(`(?i)\bbecause\s+(.{3,200})$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// RuleExtractor is a keyword and pattern extractor that needs no network.
// It is used when no language model is configured and in tests.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

func (RuleExtractor) Extract(_ context.Context, text string, c Context) (*Result, error) {
	res := &Result{Intent: IntentFallback, Confidence: 0.3, Slots: map[string]string{}, RawText: text}

	for _, r := range intentRules {
		if r.re.MatchString(text) {
			res.Intent, res.Confidence = r.intent, r.confidence
			break
		}
	}

	extractSlots(text, c, res)

	if res.Intent == IntentFallback && len(res.Slots) > 0 && c.CurrentIntent.Valid() && c.CurrentIntent != IntentFallback {
		// bare answers such as "tomorrow at 3pm" continue the current intent
		res.Intent, res.Confidence = c.CurrentIntent, 0.75
	}

	for k, v := range res.Slots {
		res.Entities = append(res.Entities, Entity{Type: k, Value: v, Confidence: 0.9})
	}
	return res, nil
}

func extractSlots(text string, c Context, res *Result) {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc)
	scrubbed := text

	if m := emailRe.FindString(text); m != "" {
		res.Slots[SlotPatientEmail] = strings.ToLower(m)
		scrubbed = strings.Replace(scrubbed, m, " ", 1)
	}
	if m := uuidRe.FindString(scrubbed); m != "" {
		intent := res.Intent
		if intent == IntentFallback {
			intent = c.CurrentIntent
		}
		key := SlotPractitionerID
		if intent == IntentRescheduleAppointment || intent == IntentCancelAppointment {
			key = SlotAppointmentID
		}
		res.Slots[key] = strings.ToLower(m)
		scrubbed = strings.Replace(scrubbed, m, " ", 1)
	}

	if m := isoDateRe.FindString(scrubbed); m != "" {
		res.Slots[SlotDate] = m
		scrubbed = strings.Replace(scrubbed, m, " ", 1)
	} else if m := relativeDayRe.FindString(scrubbed); m != "" {
		offset := 0
		switch strings.ToLower(strings.Join(strings.Fields(m), " ")) {
		case "tomorrow":
			offset = 1
		case "day after tomorrow":
			offset = 2
		}
		res.Slots[SlotDate] = today.AddDate(0, 0, offset).Format("2006-01-02")
	} else if m := weekdayRe.FindString(scrubbed); m != "" {
		res.Slots[SlotDate] = nextWeekday(today, weekdays[strings.ToLower(m)]).Format("2006-01-02")
	}

	if v, ok := parseClock(scrubbed); ok {
		res.Slots[SlotTime] = v
	}
	if m := windowRe.FindString(scrubbed); m != "" {
		res.Slots[SlotTimeWindow] = strings.ToLower(m)
	}
	for _, s := range serviceKeywords {
		if s.re.MatchString(scrubbed) {
			res.Slots[SlotServiceType] = s.service
			break
		}
	}
	if m := practitionerRe.FindStringSubmatch(scrubbed); m != nil {
		res.Slots[SlotPractitionerName] = m[1]
	}
	if m := nameRe.FindStringSubmatch(scrubbed); m != nil {
		res.Slots[SlotPatientName] = strings.TrimSpace(m[1])
	}
	if m := phoneRe.FindString(scrubbed); m != "" && countDigits(m) >= 10 {
		res.Slots[SlotPatientPhone] = strings.TrimSpace(m)
	}
	if res.Intent == IntentCancelAppointment {
		if m := reasonRe.FindStringSubmatch(text); m != nil {
			res.Slots[SlotReason] = strings.TrimSpace(m[1])
		}
	}
}

// nextWeekday returns the next date falling on wd, never today.
func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(from.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return from.AddDate(0, 0, days)
}

func parseClock(text string) (string, bool) {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return to24h(h, minute, strings.ToLower(m[3]))
	}
	if m := meridiemRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		return to24h(h, 0, strings.ToLower(m[2]))
	}
	if noonRe.MatchString(text) {
		return "12:00", true
	}
	return "", false
}

func to24h(h, minute int, meridiem string) (string, bool) {
	switch meridiem {
	case "am":
		if h > 12 {
			return "", false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h > 12 {
			return "", false
		}
		if h < 12 {
			h += 12
		}
	}
	return fmt.Sprintf("%02d:%02d", h, minute), true
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
