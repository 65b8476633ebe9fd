package moderator

// Gate decides whether a routing result can be dispatched without asking the user.
type Gate struct {
	Threshold     float64
	ClusterMargin float64
}

// Decision is the outcome of the confidence gate.
type Decision struct {
	Ambiguous  bool
	Selected   []Resolved // auto-routed agents, empty when Ambiguous
	Candidates []Resolved // everything that was scored, for the routing poll
}

// Decide auto-routes every entry whose confidence is at least the threshold.
// The decision is ambiguous when nothing reaches the threshold, or when the
// entries cluster around it: the top one sits less than ClusterMargin above
// the threshold while another sits within ClusterMargin below it. A clear
// leader is routed even if a runner-up lands just under the threshold.
func (g Gate) Decide(resolved []Resolved) Decision {
	d := Decision{Candidates: resolved}
	var (
		selected []Resolved
		top      float64
		nearMiss bool
	)
	for _, r := range resolved {
		if r.Confidence > top {
			top = r.Confidence
		}
		if r.Confidence >= g.Threshold {
			selected = append(selected, r)
		} else if r.Confidence >= g.Threshold-g.ClusterMargin {
			nearMiss = true
		}
	}
	switch {
	case len(selected) == 0:
		d.Ambiguous = true
	case nearMiss && top < g.Threshold+g.ClusterMargin:
		d.Ambiguous = true
	default:
		d.Selected = selected
	}
	return d
}
