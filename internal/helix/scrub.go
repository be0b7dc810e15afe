package helix

import "regexp"

// Response bodies can echo credentials back (token endpoints, error
// payloads). Scrub replaces the values of token-shaped JSON fields before
// a body is surfaced in diagnostics or logs.
var (
	tokenFieldRe = regexp.MustCompile(`("(?:access_token|refresh_token|token|client_secret)"\s*:\s*")[^"]*(")`)
	bearerRe     = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+`)
	oauthRe      = regexp.MustCompile(`oauth:[A-Za-z0-9]+`)
)

func Scrub(body string) string {
	out := tokenFieldRe.ReplaceAllString(body, `${1}***${2}`)
	out = bearerRe.ReplaceAllString(out, `${1}***`)
	out = oauthRe.ReplaceAllString(out, `oauth:***`)
	return out
}
