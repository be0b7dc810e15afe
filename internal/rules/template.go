package rules

import (
	"strconv"
	"strings"

	"github.com/you/tunereactor/internal/core"
)

// RenderTemplate substitutes event fields into a chat template. Supported
// placeholders: {user}, {reward}, {cost}, {bits}, {tier}, {count}.
func RenderTemplate(tmpl string, ev core.Event) string {
	if strings.TrimSpace(tmpl) == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{user}", ev.UserName,
		"{reward}", ev.RewardTitle,
		"{cost}", strconv.Itoa(ev.RewardCost),
		"{bits}", strconv.Itoa(ev.Bits),
		"{tier}", prettyTier(ev.Tier),
		"{count}", strconv.Itoa(ev.GiftCount),
	)
	return r.Replace(tmpl)
}

func prettyTier(tier string) string {
	switch tier {
	case "1000":
		return "Tier 1"
	case "2000":
		return "Tier 2"
	case "3000":
		return "Tier 3"
	}
	return tier
}
