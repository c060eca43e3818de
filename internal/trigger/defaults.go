package trigger

import (
	"github.com/campreserv/outreach/internal/events"
	"github.com/campreserv/outreach/internal/store"
)

// defaultCopy is the built-in message content used when a rule does not
// reference a template. Subject lines apply to email only.
var defaultCopy = map[events.Kind]struct {
	subject string
	body    string
}{
	events.ReservationCreated: {
		subject: "We received your reservation at {{campground_name}}",
		body:    "Hi {{first_name}}, we received your reservation at {{campground_name}} for {{arrival_date}}. We'll confirm it shortly.",
	},
	events.ReservationConfirmed: {
		subject: "Your reservation at {{campground_name}} is confirmed",
		body:    "Hi {{first_name}}, your {{site_type}} reservation at {{campground_name}} is confirmed for {{arrival_date}} through {{departure_date}}.",
	},
	events.ReservationCancelled: {
		subject: "Your reservation at {{campground_name}} was cancelled",
		body:    "Hi {{first_name}}, your reservation at {{campground_name}} for {{arrival_date}} has been cancelled. We hope to see you another time.",
	},
	events.PaymentReceived: {
		subject: "Payment received - {{campground_name}}",
		body:    "Hi {{first_name}}, we received your payment for your stay at {{campground_name}}. Thank you!",
	},
	events.PaymentFailed: {
		subject: "Payment issue with your {{campground_name}} reservation",
		body:    "Hi {{first_name}}, a payment for your reservation at {{campground_name}} didn't go through. Please update your payment method to keep your booking.",
	},
	events.CheckinUpcoming: {
		subject: "See you soon at {{campground_name}}",
		body:    "Hi {{first_name}}, your stay at {{campground_name}} starts {{arrival_date}}. Check-in opens at 2pm. Safe travels!",
	},
	events.CheckoutCompleted: {
		subject: "Thanks for staying at {{campground_name}}",
		body:    "Hi {{first_name}}, thanks for staying with us at {{campground_name}}. We hope you had a great trip!",
	},
}

// defaultTemplate returns the built-in template for an event kind,
// shaped for the given channel.
func defaultTemplate(kind events.Kind, channel string) *store.Template {
	c, ok := defaultCopy[kind]
	if !ok {
		c.body = "Hi {{first_name}}, you have an update from {{campground_name}}."
		c.subject = "An update from {{campground_name}}"
	}
	return &store.Template{
		Name:     "default:" + string(kind),
		Channel:  channel,
		Category: "system",
		Subject:  c.subject,
		TextBody: c.body,
		Version:  1,
	}
}
