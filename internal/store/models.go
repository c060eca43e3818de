package store

import (
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelBoth  = "both"
)

// Delivery status constants
const (
	StatusPending         = "pending"
	StatusSending         = "sending"
	StatusSent            = "sent"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
	StatusSkippedCooldown = "skipped_cooldown"
	StatusSkippedOptOut   = "skipped_optout"
)

// Campaign status constants
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignCancelled = "cancelled"
)

// Schedule anchor / direction / unit constants
const (
	AnchorArrival   = "arrival"
	AnchorDeparture = "departure"

	DirectionBefore = "before"
	DirectionAfter  = "after"

	UnitHours = "hours"
	UnitDays  = "days"
)

// Campground holds the per-park configuration the engine reads:
// the local time zone, the hour of day outbound mail should land,
// and the survey defaults applied by the synthetic post-stay entry.
type Campground struct {
	ID                      uuid.UUID  `json:"id"`
	Name                    string     `json:"name"`
	Timezone                string     `json:"timezone"`
	SendHour                int        `json:"send_hour"`
	DefaultSurveyTemplateID *uuid.UUID `json:"default_survey_template_id,omitempty"`
	SurveyCooldownDays      int        `json:"survey_cooldown_days"`
	SurveySamplingPercent   int        `json:"survey_sampling_percent"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Guest is the read model for a guest record. Opt-in flags are
// per channel and gate every audience query.
type Guest struct {
	ID           uuid.UUID  `json:"id"`
	CampgroundID uuid.UUID  `json:"campground_id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone"`
	EmailOptIn   bool       `json:"email_opt_in"`
	SMSOptIn     bool       `json:"sms_opt_in"`
	State        string     `json:"state"`
	VIP          bool       `json:"vip"`
	LoyaltyTier  string     `json:"loyalty_tier"`
	UsedPromo    bool       `json:"used_promo"`
	LastStayAt   *time.Time `json:"last_stay_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OptedIn reports whether the guest accepts messages on the given channel.
func (g *Guest) OptedIn(channel string) bool {
	switch channel {
	case ChannelEmail:
		return g.EmailOptIn
	case ChannelSMS:
		return g.SMSOptIn
	default:
		return false
	}
}

// Contact returns the address for the given channel, empty if missing.
func (g *Guest) Contact(channel string) string {
	switch channel {
	case ChannelEmail:
		return g.Email
	case ChannelSMS:
		return g.Phone
	default:
		return ""
	}
}

// Reservation is the read model the trigger evaluator and schedule
// resolver anchor on.
type Reservation struct {
	ID           uuid.UUID `json:"id"`
	CampgroundID uuid.UUID `json:"campground_id"`
	GuestID      uuid.UUID `json:"guest_id"`
	SiteType     string    `json:"site_type"`
	Status       string    `json:"status"`
	ArrivalAt    time.Time `json:"arrival_at"`
	DepartureAt  time.Time `json:"departure_at"`
	TotalCents   int       `json:"total_cents"`
	BalanceCents int       `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

// Condition is one predicate a trigger rule applies to the reservation
// snapshot before producing a delivery. Stored as JSONB on the rule.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`    // eq, neq, gt, gte, lt, lte
	Value string `json:"value"`
}

// TriggerRule is a standing automation bound to one campground. The
// engine never mutates a rule; staff toggle Enabled through the API.
type TriggerRule struct {
	ID           uuid.UUID   `json:"id"`
	CampgroundID uuid.UUID   `json:"campground_id"`
	Event        string      `json:"event"`
	Channel      string      `json:"channel"`
	Enabled      bool        `json:"enabled"`
	TemplateID   *uuid.UUID  `json:"template_id,omitempty"`
	DelayMinutes int         `json:"delay_minutes"`
	Conditions   []Condition `json:"conditions,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ScheduleEntry is a declarative date-relative send definition.
type ScheduleEntry struct {
	ID           uuid.UUID  `json:"id"`
	CampgroundID uuid.UUID  `json:"campground_id"`
	Anchor       string     `json:"anchor"`
	Direction    string     `json:"direction"`
	Offset       int        `json:"offset"`
	Unit         string     `json:"unit"`
	TemplateID   *uuid.UUID `json:"template_id,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Template is named, versioned message content.
type Template struct {
	ID           uuid.UUID `json:"id"`
	CampgroundID uuid.UUID `json:"campground_id"`
	Name         string    `json:"name"`
	Channel      string    `json:"channel"`
	Category     string    `json:"category"`
	Subject      string    `json:"subject,omitempty"`
	HTML         string    `json:"html,omitempty"`
	TextBody     string    `json:"text_body"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CompatibleWith reports whether the template may be referenced by a
// rule or campaign sending on the given channel.
func (t *Template) CompatibleWith(channel string) bool {
	return t.Channel == ChannelBoth || channel == ChannelBoth || t.Channel == channel
}

// AudienceFilter is the structured filter criteria a campaign targets.
// Validated at the API boundary; zero values mean "no constraint".
type AudienceFilter struct {
	SiteType          string     `json:"site_type,omitempty"`
	State             string     `json:"state,omitempty"`
	LastStayBefore    *time.Time `json:"last_stay_before,omitempty"`
	NotStayedThisYear bool       `json:"not_stayed_this_year,omitempty"`
	UsedPromo         bool       `json:"used_promo,omitempty"`
	VIPOnly           bool       `json:"vip_only,omitempty"`
	LoyaltyTier       string     `json:"loyalty_tier,omitempty"`
	UpcomingStayFrom  *time.Time `json:"upcoming_stay_from,omitempty"`
	UpcomingStayTo    *time.Time `json:"upcoming_stay_to,omitempty"`
}

// Campaign is a one-off or scheduled broadcast.
type Campaign struct {
	ID             uuid.UUID      `json:"id"`
	CampgroundID   uuid.UUID      `json:"campground_id"`
	Name           string         `json:"name"`
	Subject        string         `json:"subject"`
	FromEmail      string         `json:"from_email"`
	FromName       string         `json:"from_name"`
	HTMLBody       string         `json:"html_body,omitempty"`
	TextBody       string         `json:"text_body"`
	Channel        string         `json:"channel"`
	Filter         AudienceFilter `json:"filter"`
	Status         string         `json:"status"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	BatchPerMinute *int           `json:"batch_per_minute,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Delivery is a single resolved unit of outbound work. DedupKey is the
// idempotency key: one non-failed delivery may exist per key. Seq
// preserves audience order inside a campaign drain.
type Delivery struct {
	ID               uuid.UUID  `json:"id"`
	CampgroundID     uuid.UUID  `json:"campground_id"`
	GuestID          *uuid.UUID `json:"guest_id,omitempty"`
	Recipient        string     `json:"recipient"`
	Channel          string     `json:"channel"`
	RenderedSubject  *string    `json:"rendered_subject,omitempty"`
	RenderedBody     string     `json:"rendered_body"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           string     `json:"status"`
	Attempt          int        `json:"attempt"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	RetryAt          *time.Time `json:"retry_at,omitempty"`
	SourceRuleID     *uuid.UUID `json:"source_rule_id,omitempty"`
	SourceCampaignID *uuid.UUID `json:"source_campaign_id,omitempty"`
	SourceSurveyID   *uuid.UUID `json:"source_survey_id,omitempty"`
	DedupKey         string     `json:"dedup_key"`
	Seq              int64      `json:"seq"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Survey is a recurring NPS survey definition for one campground.
// SamplingPercent nil inherits the campground default; an explicit 0
// pauses invites without deactivating the survey.
type Survey struct {
	ID              uuid.UUID  `json:"id"`
	CampgroundID    uuid.UUID  `json:"campground_id"`
	Name            string     `json:"name"`
	TemplateID      *uuid.UUID `json:"template_id,omitempty"`
	CooldownDays    int        `json:"cooldown_days"`
	SamplingPercent *int       `json:"sampling_percent,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SurveyResponse is one guest's recorded NPS score (0-10).
type SurveyResponse struct {
	ID        uuid.UUID `json:"id"`
	SurveyID  uuid.UUID `json:"survey_id"`
	GuestID   uuid.UUID `json:"guest_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
