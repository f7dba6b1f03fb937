package models

// Detection sources for a rebase event
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
	SourcePoll     = "poll"
)

// PollingTxHash marks events found by comparing credits per token between polls.
const PollingTxHash = "polling-detected"

// RebaseEvent is an observed change in rebasingCreditsPerToken. BlockNumber is
// the dedup key.
type RebaseEvent struct {
	ID                      int64  `json:"id,omitempty" db:"id"`
	BlockNumber             uint64 `json:"blockNumber" db:"block_number"`
	TxHash                  string `json:"txHash" db:"tx_hash"`
	Timestamp               int64  `json:"timestamp" db:"timestamp"`
	PreviousCreditsPerToken string `json:"previousCreditsPerToken" db:"previous_credits_per_token"`
	NewCreditsPerToken      string `json:"newCreditsPerToken" db:"new_credits_per_token"`
	RebasePercentage        string `json:"rebasePercentage" db:"rebase_percentage"`
	EstimatedAPY            string `json:"estimatedAPY" db:"estimated_apy"`

	// Source is not persisted.
	Source string `json:"-" db:"-"`
}

// GlobalState keys
const (
	StateLastCreditsPerToken = "lastCreditsPerToken"
)
