package models

// YieldHistoryPoint is a point-in-time snapshot of one address.
type YieldHistoryPoint struct {
	ID              int64  `json:"id,omitempty" db:"id"`
	Address         string `json:"address" db:"address"`
	Timestamp       int64  `json:"timestamp" db:"timestamp"`
	Balance         string `json:"balance" db:"balance"`
	CreditsPerToken string `json:"creditsPerToken" db:"credits_per_token"`
	CumulativeYield string `json:"cumulativeYield" db:"cumulative_yield"`
	BlockNumber     uint64 `json:"blockNumber" db:"block_number"`
}

// APYInfo summarizes APY derived from the rebase timeline.
type APYInfo struct {
	Current         string `json:"current"`
	WeeklyAverage   string `json:"weeklyAverage"`
	MonthlyAverage  string `json:"monthlyAverage"`
	CreditsPerToken string `json:"creditsPerToken"`
	LastRebase      int64  `json:"lastRebase"`
	RebaseCount7d   int    `json:"rebaseCount7d"`
	RebaseCount30d  int    `json:"rebaseCount30d"`
	TotalRebases    int64  `json:"totalRebases"`
}

// YieldInfo is the yield summary for an address.
type YieldInfo struct {
	Address              string   `json:"address"`
	CurrentBalance       string   `json:"currentBalance"`
	IsRebasing           bool     `json:"isRebasing"`
	TotalInitialDeposits string   `json:"totalInitialDeposits"`
	TotalYieldEarned     string   `json:"totalYieldEarned"`
	YieldPercentage      string   `json:"yieldPercentage"`
	PaymentCount         int      `json:"paymentCount"`
	APY                  *APYInfo `json:"apy"`
}

// YieldBetween is the auditable yield of an address over [From, To).
type YieldBetween struct {
	Address      string `json:"address"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
	StartBalance string `json:"startBalance"`
	EndBalance   string `json:"endBalance"`
	YieldEarned  string `json:"yieldEarned"`
	RebaseCount  int    `json:"rebaseCount"`
}

// PaymentYield is the realized yield of a single tracked payment.
type PaymentYield struct {
	Payment         *TrackedPayment `json:"payment"`
	OriginalAmount  string          `json:"originalAmount"`
	CurrentValue    string          `json:"currentValue"`
	YieldEarned     string          `json:"yieldEarned"`
	YieldPercentage string          `json:"yieldPercentage"`
	DaysHeld        int64           `json:"daysHeld"`
	EffectiveAPY    string          `json:"effectiveAPY"`
}

// FutureYield is a projection of a balance under the current APY.
type FutureYield struct {
	CurrentBalance   string `json:"currentBalance"`
	Days             int    `json:"days"`
	APY              string `json:"apy"`
	ProjectedBalance string `json:"projectedBalance"`
	ProjectedYield   string `json:"projectedYield"`
}

// YieldHistory aggregates the snapshot timeline of an address.
type YieldHistory struct {
	Address          string               `json:"address"`
	History          []*YieldHistoryPoint `json:"history"`
	TotalYieldEarned string               `json:"totalYieldEarned"`
	FirstTracked     int64                `json:"firstTracked"`
	LastTracked      int64                `json:"lastTracked"`
}

// ContractState is the global USDs supply state.
type ContractState struct {
	TotalSupply       string `json:"totalSupply"`
	NonRebasingSupply string `json:"nonRebasingSupply"`
	RebasingSupply    string `json:"rebasingSupply"`
	CreditsPerToken   string `json:"creditsPerToken"`
	RebasingCredits   string `json:"rebasingCredits"`
	BlockNumber       uint64 `json:"blockNumber"`
}

// MonitorStatus reports rebase monitor bookkeeping.
type MonitorStatus struct {
	State               string       `json:"state"`
	IsRunning           bool         `json:"isRunning"`
	LastCreditsPerToken string       `json:"lastCreditsPerToken"`
	LastRebase          *RebaseEvent `json:"lastRebase"`
	TotalRebases        int64        `json:"totalRebases"`
	Subscribed          bool         `json:"subscribed"`
}

// TrackerStatus reports orchestrator state.
type TrackerStatus struct {
	IsRunning        bool           `json:"isRunning"`
	Network          string         `json:"network"`
	TrackedAddresses int            `json:"trackedAddresses"`
	Monitor          *MonitorStatus `json:"monitor"`
}
