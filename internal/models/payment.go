package models

// TrackedPayment is the baseline captured when an inbound payment is
// registered for yield tracking. Rows are immutable once written.
type TrackedPayment struct {
	ID                     string `json:"id" db:"id"`
	Address                string `json:"address" db:"address"`
	InitialAmount          string `json:"initialAmount" db:"initial_amount"`
	InitialCredits         string `json:"initialCredits" db:"initial_credits"`
	InitialCreditsPerToken string `json:"initialCreditsPerToken" db:"initial_credits_per_token"`
	TxHash                 string `json:"txHash" db:"tx_hash"`
	BlockNumber            uint64 `json:"blockNumber" db:"block_number"`
	Timestamp              int64  `json:"timestamp" db:"timestamp"`
	Description            string `json:"description,omitempty" db:"description"`
	IsRebasing             bool   `json:"isRebasing" db:"is_rebasing"`
}

// TrackPaymentRequest is the already-validated input for registering a payment.
type TrackPaymentRequest struct {
	Address     string `json:"address"`
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}
