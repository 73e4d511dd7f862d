package msacache

import "errors"

type Outcome string

const (
	OutcomeHit      Outcome = "hit"      // preload: archive fetched and extracted
	OutcomeMiss     Outcome = "miss"     // preload: nothing cached, compute locally
	OutcomeUploaded Outcome = "uploaded" // store: archive uploaded
	OutcomePresent  Outcome = "present"  // store: already cached, upload skipped
	OutcomeFailed   Outcome = "failed"
)

// ChainResult is what happened to one chain.
type ChainResult struct {
	ChainID string
	Key     string
	Outcome Outcome
	Err     error
}

// Report collects per-chain results in chain order.
type Report struct {
	Op      string
	Results []ChainResult
}

func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Failed returns the ids of the chains that failed.
func (r *Report) Failed() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			ids = append(ids, res.ChainID)
		}
	}
	return ids
}

// Err joins every chain failure, or returns nil when all chains succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}
