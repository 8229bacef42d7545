package resource

// Decision is the three-valued outcome of a rule
type Decision int

const (
	NoOpinion Decision = iota
	Accept
	Skip
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Skip:
		return "skip"
	default:
		return "no-opinion"
	}
}

// Verdict is the opinion of one rule about one ref
type Verdict struct {
	Decision Decision
	Reason   string
	Rule     string
}

func NoOpinionVerdict() Verdict {
	return Verdict{Decision: NoOpinion}
}

func AcceptVerdict(reason string) Verdict {
	return Verdict{Decision: Accept, Reason: reason}
}

func SkipVerdict(reason string) Verdict {
	return Verdict{Decision: Skip, Reason: reason}
}

// Cause is the resolved decision about one ref, carried into the build as its
// trigger metadata
type Cause struct {
	Repo      Repo
	Kind      Kind
	Key       string
	CommitSHA string
	Reason    string
	Skip      bool

	Title        string
	Author       string
	URL          string
	Number       int
	SourceBranch string
	TargetBranch string

	// Log holds the rule diagnostics collected while deciding
	Log string
}

// ID is the job-wide identity of the resource the cause is about
func (c Cause) ID() string {
	return ID(c.Kind, c.Key)
}
