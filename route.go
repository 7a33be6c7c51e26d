package porta

import "fmt"

// Wildcard matches any value in a Route pattern.
const Wildcard = "*"

// Route is the (source, destination, carrier) triple identifying a logical
// connection. Data always flows from From to To.
type Route struct {
	From    string
	To      string
	Carrier string
}

// Swap exchanges the two ends of the route.
func (r Route) Swap() Route {
	return Route{From: r.To, To: r.From, Carrier: r.Carrier}
}

// Matches reports whether r is selected by pattern, where Wildcard in any
// field of the pattern matches everything.
func (r Route) Matches(pattern Route) bool {
	matched, _ := r.match(pattern, false)
	return matched
}

// match compares r against pattern. With keepCarrier, a route using exactly
// the pattern carrier is reported as kept instead of matched, while routes
// using any other carrier match.
func (r Route) match(pattern Route, keepCarrier bool) (matched, kept bool) {
	if pattern.From != Wildcard && pattern.From != r.From {
		return false, false
	}
	if pattern.To != Wildcard && pattern.To != r.To {
		return false, false
	}
	if pattern.Carrier != Wildcard {
		if keepCarrier {
			if r.Carrier == pattern.Carrier {
				return false, true
			}
		} else if r.Carrier != pattern.Carrier {
			return false, false
		}
	}
	return true, false
}

func (r Route) String() string {
	return fmt.Sprintf("%s->%s (%s)", r.From, r.To, r.Carrier)
}
