package bus

import "strings"

// MatchTopic reports whether topic matches pattern, where pattern segments
// are slash-delimited and may use "*" to match exactly one segment or "**"
// to match zero or more trailing/interior segments.
func MatchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")
	return matchSegs(pSegs, tSegs)
}

func matchSegs(p, t []string) bool {
	for len(p) > 0 {
		if p[0] == "**" {
			if len(p) == 1 {
				return true // trailing ** matches anything remaining, incl. nothing
			}
			// Try every possible split point for the remainder of t.
			for i := 0; i <= len(t); i++ {
				if matchSegs(p[1:], t[i:]) {
					return true
				}
			}
			return false
		}
		if len(t) == 0 {
			return false
		}
		if p[0] != "*" && p[0] != t[0] {
			return false
		}
		p = p[1:]
		t = t[1:]
	}
	return len(t) == 0
}
