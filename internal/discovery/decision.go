package discovery

import "fmt"

// Outcome is the result of running one candidate through the filter chain.
type Outcome int

const (
	Admitted Outcome = iota
	Rejected
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Reason names the filter that rejected a candidate, or the lookup that
// failed for an errored one.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotVideo       Reason = "not_video"
	ReasonDuplicate      Reason = "duplicate"
	ReasonPrivate        Reason = "private"
	ReasonFollowers      Reason = "below_min_followers"
	ReasonEngagement     Reason = "below_min_engagement"
	ReasonDedupLookup    Reason = "dedup_lookup"
	ReasonCreatorLookup  Reason = "creator_lookup"
	ReasonMediaLookup    Reason = "recent_media_lookup"
	ReasonCreatorMissing Reason = "creator_not_found"
)

// Decision is the verdict on one candidate. Rejections are normal outcomes
// and carry no error; Err is set only for Errored.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	Err     error
}

func admit() Decision {
	return Decision{Outcome: Admitted}
}

func reject(r Reason) Decision {
	return Decision{Outcome: Rejected, Reason: r}
}

func errored(r Reason, err error) Decision {
	return Decision{Outcome: Errored, Reason: r, Err: err}
}
