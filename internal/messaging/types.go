package messaging

import "time"

// ShareMessage is a share submission forwarded by a stratum front end
type ShareMessage struct {
	MinerID     string    `json:"miner_id"`
	JobID       string    `json:"job_id"`
	Nonce       uint32    `json:"nonce"`
	Hash        string    `json:"hash"`
	Difficulty  float64   `json:"difficulty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ShareResultMessage reports the verdict on one share back to the miner
type ShareResultMessage struct {
	MinerID     string    `json:"miner_id"`
	JobID       string    `json:"job_id"`
	Nonce       uint32    `json:"nonce"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// JobMessage announces a mining job the share validator can check against
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Version    int32     `json:"version"`
	PrevHash   string    `json:"prev_hash"`
	MerkleRoot string    `json:"merkle_root"`
	Timestamp  int64     `json:"timestamp"`
	Bits       uint32    `json:"bits"`
	Height     int64     `json:"height"`
	CleanJobs  bool      `json:"clean_jobs"`
	CreatedAt  time.Time `json:"created_at"`
	// CoinbaseValue is what the job's coinbase pays the pool, in satoshis
	CoinbaseValue int64 `json:"coinbase_value"`
}

// TransferEventMessage records one transfer status change
type TransferEventMessage struct {
	TransferID  string    `json:"transfer_id"`
	SourceChain uint32    `json:"source_chain"`
	DestChain   uint32    `json:"dest_chain"`
	Nonce       uint64    `json:"nonce"`
	Amount      uint64    `json:"amount"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Receipt     string    `json:"receipt,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// PayoutMessage records one miner payout for a period
type PayoutMessage struct {
	PeriodID uint64    `json:"period_id"`
	MinerID  string    `json:"miner_id"`
	Amount   uint64    `json:"amount"`
	TxID     string    `json:"txid"`
	PaidAt   time.Time `json:"paid_at"`
}
