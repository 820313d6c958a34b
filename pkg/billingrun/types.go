package billingrun

import (
	"time"
)

// ResultStatus is the outcome of billing one organisation
type ResultStatus string

const (
	// StatusUpdated means the existing subscription quantity was updated
	StatusUpdated ResultStatus = "updated"
	// StatusCreated means a missing subscription was created
	StatusCreated ResultStatus = "created"
	// StatusError means the organisation could not be billed in this run
	StatusError ResultStatus = "error"
	// StatusSkipped means another run already billed the organisation today
	StatusSkipped ResultStatus = "skipped"
)

// Result is the per-organisation entry of a Report
type Result struct {
	OrgID           int64        `json:"org_id"`
	OrgName         string       `json:"org_name,omitempty"`
	UnitCount       int          `json:"unit_count"`
	Status          ResultStatus `json:"status"`
	ExpectedChargeP int64        `json:"expected_charge_p"`
	SubscriptionID  string       `json:"subscription_id,omitempty"`
	// CollectedP is set when the processor collected payment during the run
	CollectedP int64  `json:"collected_p,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report summarises one billing run
type Report struct {
	RunID      string        `json:"run_id"`
	RunDate    time.Time     `json:"run_date"`
	TargetDate time.Time     `json:"target_date"`
	Days       []int         `json:"anniversary_days"`
	Results    []Result      `json:"results"`
	Updated    int           `json:"updated"`
	Created    int           `json:"created"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Config tunes an Orchestrator
type Config struct {
	// UnitPriceP is the price of one billable unit in minor currency units
	UnitPriceP int64
	// ChargeTimeout bounds every processor call
	ChargeTimeout time.Duration
	// Concurrency is the number of organisations billed in parallel
	Concurrency int
	// Location defines the calendar day of a run
	Location *time.Location
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		UnitPriceP:    150,
		ChargeTimeout: 30 * time.Second,
		Concurrency:   8,
		Location:      time.UTC,
	}
}

func (r *Report) tally() {
	r.Updated, r.Created, r.Failed, r.Skipped = 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case StatusUpdated:
			r.Updated++
		case StatusCreated:
			r.Created++
		case StatusError:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}
