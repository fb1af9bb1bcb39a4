package formatter

import (
	"sort"
	"strconv"
	"strings"
)

type mediaRange struct {
	typ, sub string
	q        float64
	index    int
}

func parseAccept(accept string) []mediaRange {
	var out []mediaRange
	for i, part := range strings.Split(accept, ",") {
		fields := strings.Split(part, ";")
		mt := strings.ToLower(strings.TrimSpace(fields[0]))
		if mt == "" {
			continue
		}
		typ, sub, ok := strings.Cut(mt, "/")
		if !ok {
			continue
		}
		r := mediaRange{typ: typ, sub: sub, q: 1, index: i}
		for _, p := range fields[1:] {
			k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
			if strings.EqualFold(k, "q") {
				if q, err := strconv.ParseFloat(v, 64); err == nil {
					r.q = q
				}
			}
		}
		out = append(out, r)
	}
	return out
}

func (r mediaRange) specificity() int {
	switch {
	case r.typ == "*":
		return 0
	case r.sub == "*":
		return 1
	}
	return 2
}

func (r mediaRange) matches(ct string) bool {
	typ, sub, _ := strings.Cut(ct, "/")
	return (r.typ == "*" || r.typ == typ) && (r.sub == "*" || r.sub == sub)
}

// Negotiate chooses among offers (in server preference order) using an Accept
// header. An empty header accepts the first offer. For each offer the most
// specific matching range decides its quality; ties keep server order.
func Negotiate(accept string, offers []string) (string, bool) {
	if len(offers) == 0 {
		return "", false
	}
	if strings.TrimSpace(accept) == "" {
		return offers[0], true
	}
	ranges := parseAccept(accept)
	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].specificity() > ranges[j].specificity()
	})

	best, bestQ := "", 0.0
	for _, offer := range offers {
		ct := strings.ToLower(offer)
		for _, r := range ranges {
			if !r.matches(ct) {
				continue
			}
			if r.q > bestQ {
				best, bestQ = offer, r.q
			}
			break
		}
	}
	return best, bestQ > 0
}
