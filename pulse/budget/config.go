package budget

import "github.com/teranos/scribe/am"

// DefaultsFromConfig maps ledger configuration onto per-kind scope defaults.
// Zero limits in config mean unlimited.
func DefaultsFromConfig(cfg *am.Config) Defaults {
	thresholds := cfg.GetAlertThresholds()
	build := func(tokens int64, cost float64) Limits {
		l := Limits{Thresholds: thresholds, AutoPause: cfg.Ledger.AutoPause}
		if tokens > 0 {
			t := tokens
			l.Tokens = &t
		}
		if cost > 0 {
			c := cost
			l.Cost = &c
		}
		return l
	}
	return Defaults{
		Global: build(cfg.Ledger.GlobalLimitTokens, cfg.Ledger.GlobalLimitCost),
		Client: build(cfg.Ledger.ClientLimitTokens, cfg.Ledger.ClientLimitCost),
		Job:    build(cfg.Ledger.JobLimitTokens, 0),
	}
}
