package template

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	linkPattern = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*)(["'])(https?://[^"']+)(["'])`)
	bodyClose   = regexp.MustCompile(`(?i)</body\s*>`)
)

// OpenURL returns the open-pixel URL of a delivery
func OpenURL(baseURL, trackingID string) string {
	return strings.TrimRight(baseURL, "/") + "/t/o/" + url.PathEscape(trackingID)
}

// ClickURL returns the click-redirect URL of a delivery for target
func ClickURL(baseURL, trackingID, target string) string {
	return strings.TrimRight(baseURL, "/") + "/t/c/" + url.PathEscape(trackingID) + "?url=" + url.QueryEscape(target)
}

// InjectTracking rewrites http(s) links through the click endpoint and adds
// a 1x1 open pixel before </body>, or at the end when there is none.
func InjectTracking(body, baseURL, trackingID string) string {
	body = linkPattern.ReplaceAllStringFunc(body, func(m string) string {
		parts := linkPattern.FindStringSubmatch(m)
		target := html.UnescapeString(parts[3])
		return parts[1] + parts[2] + html.EscapeString(ClickURL(baseURL, trackingID, target)) + parts[4]
	})

	pixel := `<img src="` + html.EscapeString(OpenURL(baseURL, trackingID)) + `" width="1" height="1" alt="" style="display:none">`

	if loc := bodyClose.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + pixel + body[loc[0]:]
	}
	return body + pixel
}
