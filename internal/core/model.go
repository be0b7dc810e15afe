package core

import "time"

// EventKind identifies one of the supported notification classes. Raw
// payloads never travel past the normalize boundary; everything downstream
// works on Event values tagged with one of these kinds.
type EventKind string

const (
	KindChannelPoints EventKind = "channel_points"
	KindCheer         EventKind = "cheer"
	KindSub           EventKind = "sub"
	KindFollow        EventKind = "follow"
)

// Source distinguishes real upstream notifications from locally injected
// test events. Test events ride the same pipeline end to end.
type Source string

const (
	SourceReal Source = "real"
	SourceTest Source = "test"
)

// Event is the canonical shape produced by the normalizer. Only the fields
// relevant to the event's Kind are populated.
type Event struct {
	Kind        EventKind `json:"kind"`
	MessageID   string    `json:"message_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	RewardID    string    `json:"reward_id,omitempty"`
	RewardTitle string    `json:"reward_title,omitempty"`
	RewardCost  int       `json:"reward_cost,omitempty"`
	Bits        int       `json:"bits,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	IsGift      bool      `json:"is_gift,omitempty"`
	GiftCount   int       `json:"gift_count,omitempty"`
	At          time.Time `json:"at"`
	Source      Source    `json:"source"`
}

// AmountMode selects how a numeric predicate is evaluated.
type AmountMode string

const (
	AmountExact AmountMode = "exact"
	AmountRange AmountMode = "range"
)

// AmountPredicate matches a bits amount or gift count. In range mode a nil
// bound is unbounded on that side.
type AmountPredicate struct {
	Mode  AmountMode `json:"mode" yaml:"mode"`
	Exact int        `json:"exact,omitempty" yaml:"exact,omitempty"`
	Min   *int       `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *int       `json:"max,omitempty" yaml:"max,omitempty"`
}

// Matches reports whether n satisfies the predicate.
func (p AmountPredicate) Matches(n int) bool {
	switch p.Mode {
	case AmountExact:
		return n == p.Exact
	case AmountRange:
		if p.Min != nil && n < *p.Min {
			return false
		}
		if p.Max != nil && n > *p.Max {
			return false
		}
		return true
	}
	return false
}

// Axis names the parameter an action adjusts.
type Axis string

const (
	AxisPitch Axis = "pitch"
	AxisSpeed Axis = "speed"
)

// ActionMode is how an action combines with other active effects.
type ActionMode string

const (
	ActionAdd ActionMode = "add"
	ActionSet ActionMode = "set"
)

// Action is the parameter adjustment a binding requests: semitones for
// pitch, percent for speed.
type Action struct {
	Axis  Axis       `json:"axis" yaml:"axis"`
	Mode  ActionMode `json:"mode" yaml:"mode"`
	Value float64    `json:"value" yaml:"value"`
}

// Binding is a user-authored rule. The core treats bindings as read-only
// input; they are authored and persisted by the surrounding product.
type Binding struct {
	ID              string           `json:"id" yaml:"id"`
	Label           string           `json:"label" yaml:"label"`
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	Kind            EventKind        `json:"kind" yaml:"kind"`
	RewardID        string           `json:"reward_id,omitempty" yaml:"reward_id,omitempty"`
	Amount          *AmountPredicate `json:"amount,omitempty" yaml:"amount,omitempty"`
	Tiers           []string         `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Action          Action           `json:"action" yaml:"action"`
	DelaySeconds    float64          `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	ChatTemplate    string           `json:"chat_template,omitempty" yaml:"chat_template,omitempty"`
}

// OpKind tags one operation inside a scheduled effect.
type OpKind string

const (
	OpPitch OpKind = "pitch"
	OpSpeed OpKind = "speed"
	OpChat  OpKind = "chat"
)

// Operation is one concrete step of a scheduled effect. Pitch/speed ops
// carry Mode+Value; chat ops carry the rendered message text.
type Operation struct {
	Kind    OpKind     `json:"kind"`
	Mode    ActionMode `json:"mode,omitempty"`
	Value   float64    `json:"value,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Totals is the aggregate of all currently applied effects, published to
// the downstream engine whenever it changes.
type Totals struct {
	SemitoneOffset float64 `json:"semitone_offset"`
	SpeedPercent   float64 `json:"speed_percent"`
}

// EntryStatus is the lifecycle state of an activity log entry.
type EntryStatus string

const (
	StatusQueued   EntryStatus = "queued"
	StatusApplied  EntryStatus = "applied"
	StatusReverted EntryStatus = "reverted"
	StatusSkipped  EntryStatus = "skipped"
	StatusError    EntryStatus = "error"
)

// ActionRecord is one operation's entry in the activity log, including the
// chat send outcome once known.
type ActionRecord struct {
	Kind        OpKind     `json:"kind"`
	Mode        ActionMode `json:"mode,omitempty"`
	Value       float64    `json:"value,omitempty"`
	Message     string     `json:"message,omitempty"`
	ChatSent    bool       `json:"chat_sent,omitempty"`
	ChatMsgID   string     `json:"chat_msg_id,omitempty"`
	ChatFailure string     `json:"chat_failure,omitempty"`
}

// Entry is one activity log record.
type Entry struct {
	ID              string         `json:"id"`
	Ts              time.Time      `json:"ts"`
	Source          Source         `json:"source"`
	Kind            EventKind      `json:"kind"`
	UserName        string         `json:"user_name,omitempty"`
	Detail          string         `json:"detail,omitempty"`
	MatchedBindings []string       `json:"matched_bindings,omitempty"`
	Actions         []ActionRecord `json:"actions,omitempty"`
	DelaySeconds    float64        `json:"delay_seconds,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Status          EntryStatus    `json:"status"`
	Note            string         `json:"note,omitempty"`
}

// Credential is the authenticated identity owned by the token authority.
type Credential struct {
	AccessToken string
	TokenType   string
	Scopes      []string
	UserID      string
	Login       string
	ObtainedAt  time.Time
	ExpiresIn   time.Duration
}

// HasScope reports whether the granted scope set contains s.
func (c Credential) HasScope(s string) bool {
	for _, have := range c.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// Usable reports whether the credential's remaining lifetime exceeds the
// given padding at time now.
func (c Credential) Usable(now time.Time, padding time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ObtainedAt.Add(c.ExpiresIn).Sub(now) > padding
}

// Diagnostics is the mutable status snapshot republished on every change.
// No history is retained; LastError is overwritten by the next event.
type Diagnostics struct {
	SocketConnected   bool      `json:"socket_connected"`
	SessionID         string    `json:"session_id,omitempty"`
	Subscriptions     int       `json:"subscriptions"`
	LastKeepalive     time.Time `json:"last_keepalive,omitempty"`
	LastNotification  time.Time `json:"last_notification,omitempty"`
	LastNotifyType    string    `json:"last_notify_type,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Login             string    `json:"login,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	TokenObtainedAt   time.Time `json:"token_obtained_at,omitempty"`
	TokenExpiresInSec int       `json:"token_expires_in_sec,omitempty"`
}

// Result is the structured outcome of a user-triggered action, rendered by
// the UI layer as a toast.
type Result struct {
	OK         bool              `json:"ok"`
	MessageKey string            `json:"message_key"`
	Params     map[string]string `json:"params,omitempty"`
}

// OkResult builds a success Result.
func OkResult(key string, params map[string]string) Result {
	return Result{OK: true, MessageKey: key, Params: params}
}

// FailResult builds a failure Result.
func FailResult(key string, params map[string]string) Result {
	return Result{OK: false, MessageKey: key, Params: params}
}
