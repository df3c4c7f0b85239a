package fallback

import "strings"

// Sentinel strategy values that make the proxy pass a request through
// untouched.
var bypassSentinels = map[string]bool{
	"bypass": true,
	"none":   true,
}

// ParseStrategies parses a strategy header value such as "network,cache".
// Names are case-insensitive and surrounding whitespace is ignored. If any
// token is a bypass sentinel, bypass is true and order is nil. Unrecognized
// names are dropped and returned in unknown. An empty result means the
// caller's default applies.
func ParseStrategies(value string) (order []Strategy, bypass bool, unknown []string) {
	for _, part := range strings.Split(value, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if bypassSentinels[name] {
			return nil, true, nil
		}
		switch Strategy(name) {
		case StrategyNetwork, StrategyCache, StrategyQueue:
			order = append(order, Strategy(name))
		default:
			unknown = append(unknown, name)
		}
	}
	return order, false, unknown
}

func formatStrategies(order []Strategy) string {
	parts := make([]string, len(order))
	for i, s := range order {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
