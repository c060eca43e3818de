// Package render substitutes named variables into message templates and
// enforces per-channel constraints. Rendering is pure: it never fails,
// it only reports warnings, so partial guest data cannot block a send.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/campreserv/outreach/internal/store"
)

// DefaultSMSLengthCap is the hard SMS body cap applied when the caller
// does not configure one.
const DefaultSMSLengthCap = 160

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// WarningKind classifies a non-fatal rendering problem.
type WarningKind string

const (
	WarnUnresolvedPlaceholder WarningKind = "unresolved_placeholder"
	WarnTruncated             WarningKind = "truncated"
)

// Warning is a non-fatal observation made while rendering. The message
// still sends; warnings are logged for observability.
type Warning struct {
	Kind   WarningKind
	Detail string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Detail)
}

// Result is the rendered output for one channel.
type Result struct {
	Subject  string
	Body     string
	Warnings []Warning
}

// Truncated reports whether the body was cut to the SMS cap.
func (r *Result) Truncated() bool {
	for _, w := range r.Warnings {
		if w.Kind == WarnTruncated {
			return true
		}
	}
	return false
}

// Renderer substitutes variables into subject/body text.
type Renderer struct {
	smsLengthCap int
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithSMSLengthCap overrides the default SMS body cap.
func WithSMSLengthCap(limit int) Option {
	return func(r *Renderer) {
		if limit > 0 {
			r.smsLengthCap = limit
		}
	}
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{smsLengthCap: DefaultSMSLengthCap}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render substitutes vars into the template for the given channel.
// Unresolved placeholders are left verbatim and reported as warnings.
// For SMS the body is truncated to the cap with a truncation warning.
// An NPS link passed as surveyLink replaces the {{nps_link}} and
// {{npsLink}} placeholders; this is the single renderer special case.
func (r *Renderer) Render(tmpl *store.Template, vars map[string]string, channel, surveyLink string) *Result {
	result := &Result{}

	body := tmpl.TextBody
	if channel == store.ChannelEmail && tmpl.HTML != "" {
		body = tmpl.HTML
	}

	if surveyLink != "" {
		body = strings.ReplaceAll(body, "{{nps_link}}", surveyLink)
		body = strings.ReplaceAll(body, "{{npsLink}}", surveyLink)
	}

	result.Body = r.substitute(body, vars, result)

	if channel == store.ChannelEmail {
		result.Subject = r.substitute(tmpl.Subject, vars, result)
	}

	// The cap counts characters, not bytes: an accented body must not
	// lose extra characters or be cut mid-rune.
	if channel == store.ChannelSMS && utf8.RuneCountInString(result.Body) > r.smsLengthCap {
		runes := []rune(result.Body)
		result.Body = string(runes[:r.smsLengthCap])
		result.Warnings = append(result.Warnings, Warning{
			Kind:   WarnTruncated,
			Detail: fmt.Sprintf("sms body truncated from %d to %d characters", len(runes), r.smsLengthCap),
		})
	}

	return result
}

func (r *Renderer) substitute(text string, vars map[string]string, result *Result) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		result.Warnings = append(result.Warnings, Warning{
			Kind:   WarnUnresolvedPlaceholder,
			Detail: fmt.Sprintf("placeholder %q has no value", name),
		})
		return match
	})
}

// GuestVars builds the standard variable map for a guest and optional
// reservation. Callers may layer extra variables on top.
func GuestVars(guest *store.Guest, reservation *store.Reservation, campgroundName string) map[string]string {
	vars := map[string]string{
		"first_name":      guest.FirstName,
		"last_name":       guest.LastName,
		"campground_name": campgroundName,
	}
	if reservation != nil {
		vars["arrival_date"] = reservation.ArrivalAt.Format("January 2, 2006")
		vars["departure_date"] = reservation.DepartureAt.Format("January 2, 2006")
		vars["site_type"] = reservation.SiteType
	}
	return vars
}

// SampleVars returns synthetic values for test deliveries and previews.
func SampleVars(campgroundName string) map[string]string {
	if campgroundName == "" {
		campgroundName = "Pine Ridge Campground"
	}
	return map[string]string{
		"first_name":      "Alex",
		"last_name":       "Rivera",
		"campground_name": campgroundName,
		"arrival_date":    "July 4, 2025",
		"departure_date":  "July 7, 2025",
		"site_type":       "RV",
	}
}
