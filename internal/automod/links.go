package automod

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

const minHostLen = 3

var (
	inviteRe = regexp.MustCompile(`(?i)discord\.gg/\S+|discord(?:app)?\.com/invite/\S+`)
	linkRe   = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}(?:/[^\s<>"']*)?`)
	ipv4Re   = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}$`)
	schemeRe = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)
)

var errEmptyHost = errors.New("empty host")

// ContainsInvite reports whether text holds a Discord server invite.
func ContainsInvite(text string) bool {
	return inviteRe.MatchString(text)
}

// ExtractLinks returns every URL-like substring of text, in order.
func ExtractLinks(text string) []string {
	return linkRe.FindAllString(text, -1)
}

// NormalizeHost reduces a URL-like string to its bare lowercase host:
// scheme, "www.", port, path, query, fragment and trailing punctuation are dropped.
func NormalizeHost(raw string) (string, error) {
	s := strings.TrimRight(strings.TrimSpace(raw), ".,;:!?")
	if s == "" {
		return "", errEmptyHost
	}
	if !schemeRe.MatchString(s) {
		s = "http://" + s
	}
	s = authorityOnly(s)
	clean, err := purell.NormalizeURLString(s, purell.FlagsSafe|purell.FlagRemoveWWW|purell.FlagRemoveFragment)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	host := strings.Trim(strings.ToLower(u.Hostname()), ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", errEmptyHost
	}
	return host, nil
}

// authorityOnly drops everything after the authority of an absolute URL.
// Escapes in the path or fragment never decide whether the host parses.
func authorityOnly(s string) string {
	i := strings.Index(s, "://") + 3
	if j := strings.IndexAny(s[i:], "/?#\\"); j >= 0 {
		return s[:i+j]
	}
	return s
}

// DomainAllowed reports whether domain matches an allow-list entry: equal to
// it, a subdomain of it, or sharing its last two labels.
func DomainAllowed(domain string, allowed []string) bool {
	d := strings.TrimPrefix(strings.Trim(strings.ToLower(strings.TrimSpace(domain)), "."), "www.")
	if d == "" {
		return false
	}
	dTail := lastLabels(d, 2)
	for _, a := range allowed {
		a = strings.TrimPrefix(strings.Trim(strings.ToLower(strings.TrimSpace(a)), "."), "www.")
		if a == "" {
			continue
		}
		if d == a || strings.HasSuffix(d, "."+a) || dTail == lastLabels(a, 2) {
			return true
		}
	}
	return false
}

func lastLabels(host string, n int) string {
	parts := strings.Split(host, ".")
	if len(parts) <= n {
		return host
	}
	return strings.Join(parts[len(parts)-n:], ".")
}

// FindBlockedLink returns the first link in text that cfg does not allow.
// Invites are always blocked, whether or not the link rule is enabled. A link
// whose host cannot be parsed is blocked.
func FindBlockedLink(text string, cfg LinksConfig) (string, bool) {
	if m := inviteRe.FindString(text); m != "" {
		return m, true
	}
	if !cfg.Enabled {
		return "", false
	}
	allowed := cfg.EffectiveAllowedDomains()
	for _, link := range ExtractLinks(text) {
		host, err := NormalizeHost(link)
		if err != nil {
			return link, true
		}
		if len(host) < minHostLen || ipv4Re.MatchString(host) {
			continue
		}
		if len(allowed) == 0 || !DomainAllowed(host, allowed) {
			return link, true
		}
	}
	return "", false
}

// CheckLinks reports whether text contains a blocked link.
func CheckLinks(text string, cfg LinksConfig) bool {
	_, blocked := FindBlockedLink(text, cfg)
	return blocked
}
