package capture

import "strings"

// parseUserAgent extracts coarse browser/OS/device-type fields from a
// user-agent string for the device identity record. Heuristic on
// purpose: the record is a redundancy aid, not an analytics source.
func parseUserAgent(ua string) (browser, os, deviceType string) {
	if ua == "" {
		return "", "", ""
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "edg/"):
		browser = "edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		browser = "opera"
	case strings.Contains(lower, "chrome"):
		browser = "chrome"
	case strings.Contains(lower, "firefox"):
		browser = "firefox"
	case strings.Contains(lower, "safari"):
		browser = "safari"
	}

	switch {
	case strings.Contains(lower, "android"):
		os = "android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ios"):
		os = "ios"
	case strings.Contains(lower, "windows"):
		os = "windows"
	case strings.Contains(lower, "mac os"):
		os = "macos"
	case strings.Contains(lower, "linux"):
		os = "linux"
	}

	switch {
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "android"), strings.Contains(lower, "iphone"):
		deviceType = "mobile"
	case strings.Contains(lower, "tablet"), strings.Contains(lower, "ipad"):
		deviceType = "tablet"
	default:
		deviceType = "desktop"
	}
	return browser, os, deviceType
}

// PartialUserAgentMatch reports whether two user agents share their
// leading product tokens. Minor version bumps between click time and
// message time keep the prefix stable.
func PartialUserAgentMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ta := leadingTokens(a, 2)
	tb := leadingTokens(b, 2)
	if len(ta) == 0 || len(tb) == 0 || len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		if ta[i] != tb[i] {
			return false
		}
	}
	return true
}

func leadingTokens(ua string, n int) []string {
	fields := strings.Fields(ua)
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}
