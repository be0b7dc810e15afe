package rules

import (
	"encoding/json"
	"time"

	"github.com/you/tunereactor/internal/core"
)

// EventSub subscription types the core consumes.
const (
	TypeChannelPoints = "channel.channel_points_custom_reward_redemption.add"
	TypeCheer         = "channel.cheer"
	TypeSub           = "channel.subscribe"
	TypeGiftSub       = "channel.subscription.gift"
	TypeFollow        = "channel.follow"
)

// KindForType maps an EventSub subscription type to the canonical event
// kind. Gift subs fold into the sub kind with the gift flag set.
func KindForType(subType string) (core.EventKind, bool) {
	switch subType {
	case TypeChannelPoints:
		return core.KindChannelPoints, true
	case TypeCheer:
		return core.KindCheer, true
	case TypeSub, TypeGiftSub:
		return core.KindSub, true
	case TypeFollow:
		return core.KindFollow, true
	}
	return "", false
}

type rawEvent struct {
	UserName string `json:"user_name"`
	Reward   struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
	Bits        int    `json:"bits"`
	Tier        string `json:"tier"`
	IsGift      bool   `json:"is_gift"`
	Total       int    `json:"total"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// Normalize converts a raw notification payload into the canonical event
// shape. It returns ok=false when required identifying fields are absent;
// such events are dropped silently, not logged as errors. The raw payload
// never travels past this boundary.
func Normalize(subType string, payload []byte, source core.Source, now time.Time) (core.Event, bool) {
	kind, ok := KindForType(subType)
	if !ok {
		return core.Event{}, false
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return core.Event{}, false
	}

	ev := core.Event{
		Kind:     kind,
		UserName: raw.UserName,
		At:       now,
		Source:   source,
	}
	if ev.UserName == "" && raw.IsAnonymous {
		ev.UserName = "Anonymous"
	}

	switch subType {
	case TypeChannelPoints:
		if raw.Reward.ID == "" {
			return core.Event{}, false
		}
		ev.RewardID = raw.Reward.ID
		ev.RewardTitle = raw.Reward.Title
		ev.RewardCost = raw.Reward.Cost

	case TypeCheer:
		if raw.Bits <= 0 {
			return core.Event{}, false
		}
		ev.Bits = raw.Bits

	case TypeSub:
		if raw.Tier == "" {
			return core.Event{}, false
		}
		ev.Tier = raw.Tier
		ev.IsGift = raw.IsGift
		if raw.IsGift {
			// a plain subscribe event for a gifted sub carries no count
			ev.GiftCount = 1
		}

	case TypeGiftSub:
		if raw.Tier == "" {
			return core.Event{}, false
		}
		ev.Tier = raw.Tier
		ev.IsGift = true
		ev.GiftCount = raw.Total
		if ev.GiftCount <= 0 {
			ev.GiftCount = 1
		}

	case TypeFollow:
		// nothing beyond the user name
	}

	return ev, true
}
