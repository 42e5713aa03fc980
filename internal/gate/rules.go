package gate

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/store"
)

// Bypass reasons, in evaluation order.
const (
	ReasonQuery      = "query"
	ReasonCookie     = "cookie"
	ReasonAttribute  = "attribute"
	ReasonPath       = "path"
	ReasonHost       = "host"
	ReasonRole       = "role"
	ReasonIP         = "ip"
	ReasonRoute      = "route"
	ReasonDebugRoute = "debug_route"
)

// DebugRoutePrefix marks internal routes that bypass the gate in debug
// mode.
const DebugRoutePrefix = "_"

type keyedPattern struct {
	key string
	re  *regexp.Regexp
}

// Rules are the compiled bypass rules. A nil pattern means the rule is
// not configured.
type Rules struct {
	query      []keyedPattern
	cookie     []keyedPattern
	attributes []keyedPattern
	path       *regexp.Regexp
	host       *regexp.Regexp
	route      *regexp.Regexp
	roles      []string
	ips        []netip.Prefix
	debug      bool
}

// Compile validates and compiles the bypass rules.
func Compile(cfg config.AuthorizedConfig, debug bool) (*Rules, error) {
	r := &Rules{debug: debug}
	var err error

	if r.query, err = compileKeyed("authorized.query", cfg.Query); err != nil {
		return nil, err
	}
	if r.cookie, err = compileKeyed("authorized.cookie", cfg.Cookie); err != nil {
		return nil, err
	}
	if r.attributes, err = compileKeyed("authorized.attributes", cfg.Attributes); err != nil {
		return nil, err
	}
	if r.path, err = compile("authorized.path", cfg.Path, false); err != nil {
		return nil, err
	}
	if r.host, err = compile("authorized.host", cfg.Host, true); err != nil {
		return nil, err
	}
	if r.route, err = compile("authorized.route", cfg.Route, false); err != nil {
		return nil, err
	}
	for _, role := range cfg.Roles {
		if role = strings.TrimSpace(role); role != "" {
			r.roles = append(r.roles, role)
		}
	}
	for _, entry := range cfg.IPs {
		p, err := parseIPEntry(entry)
		if err != nil {
			return nil, &store.ConfigError{Key: "authorized.ips", Reason: fmt.Sprintf("entry %q is not an IP or CIDR", entry), Err: err}
		}
		if p.IsValid() {
			r.ips = append(r.ips, p)
		}
	}
	return r, nil
}

func compile(key, pattern string, fold bool) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	if fold {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &store.ConfigError{Key: key, Reason: "is not a valid regular expression", Err: err}
	}
	return re, nil
}

func compileKeyed(key string, patterns map[string]string) ([]keyedPattern, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []keyedPattern
	for _, name := range names {
		re, err := compile(key+"."+name, patterns[name], false)
		if err != nil {
			return nil, err
		}
		if re != nil {
			out = append(out, keyedPattern{key: name, re: re})
		}
	}
	return out, nil
}

func parseIPEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Prefix{}, nil
	}
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		if p.Addr().Is4In6() {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap().WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Match returns the reason of the first bypass rule the request matches,
// or "" when none does.
func (r *Rules) Match(req Request) string {
	if matchKeyed(r.query, req.Query) {
		return ReasonQuery
	}
	if matchKeyed(r.cookie, req.Cookies) {
		return ReasonCookie
	}
	if matchKeyed(r.attributes, req.Attributes) {
		return ReasonAttribute
	}
	if r.path != nil && req.Path != "" && r.path.MatchString(decodePath(req.Path)) {
		return ReasonPath
	}
	if r.host != nil && req.Host != "" && r.host.MatchString(req.Host) {
		return ReasonHost
	}
	if r.matchRoles(req.Roles) {
		return ReasonRole
	}
	if r.matchIP(req.ClientIP) {
		return ReasonIP
	}
	if req.Route != "" {
		if r.route != nil && r.route.MatchString(req.Route) {
			return ReasonRoute
		}
		if r.debug && strings.HasPrefix(req.Route, DebugRoutePrefix) {
			return ReasonDebugRoute
		}
	}
	return ""
}

// Empty reports whether no bypass rule is configured.
func (r *Rules) Empty() bool {
	return len(r.query) == 0 && len(r.cookie) == 0 && len(r.attributes) == 0 &&
		r.path == nil && r.host == nil && r.route == nil &&
		len(r.roles) == 0 && len(r.ips) == 0 && !r.debug
}

// matchKeyed reports whether any pattern matches its named value. An
// absent value never matches, even for patterns like "^$" or ".*".
func matchKeyed(patterns []keyedPattern, values map[string]string) bool {
	for _, p := range patterns {
		if v, ok := values[p.key]; ok && p.re.MatchString(v) {
			return true
		}
	}
	return false
}

func (r *Rules) matchRoles(granted []string) bool {
	for _, role := range r.roles {
		if slices.Contains(granted, role) {
			return true
		}
	}
	return false
}

func (r *Rules) matchIP(clientIP string) bool {
	if len(r.ips) == 0 || clientIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(strings.Trim(clientIP, "[]"))
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range r.ips {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func decodePath(p string) string {
	if decoded, err := url.PathUnescape(p); err == nil {
		return decoded
	}
	return p
}
