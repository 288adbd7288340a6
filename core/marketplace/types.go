package marketplace

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrow-backend/network"
)

func init() {
	// amount_mnee travels as a JSON number on the projection wire.
	decimal.MarshalJSONWithoutQuotes = true
}

// Status is the explicit lifecycle state of a job.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusAssigned  Status = "ASSIGNED"
	StatusReviewing Status = "REVIEWING" // in-process only, never published
	StatusPaid      Status = "PAID"
	StatusRefunded  Status = "REFUNDED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRefunded
}

// Verdict is the judge's outcome for one submission attempt.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Identity is a known marketplace participant.
type Identity struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Avatar  string `json:"avatar,omitempty"`
}

// Session carries the acting identity and the network selection for one
// user-initiated action.
type Session struct {
	Actor    Identity
	Networks *network.Registry
}

// Job is the off-chain projection of an escrow-funded job.
type Job struct {
	ChainJobID        string          `json:"chain_job_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	AmountMNEE        decimal.Decimal `json:"amount_mnee"`
	Tags              []string        `json:"tags"`
	ClientAddress     string          `json:"client_address"`
	ClientName        string          `json:"client_name"`
	FreelancerAddress string          `json:"freelancer_address,omitempty"`
	FreelancerName    string          `json:"freelancer_name,omitempty"`
	Status            Status          `json:"status"`
	Applicants        []string        `json:"applicants"`
	ChainID           uint64          `json:"chain_id"`
	FundingTxHash     string          `json:"funding_tx_hash,omitempty"`
	SettlementTxHash  string          `json:"tx_hash,omitempty"`
	IDDegraded        bool            `json:"id_degraded,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
}

// IsClient reports whether name owns the job.
func (j Job) IsClient(name string) bool {
	return name != "" && j.ClientName == name
}

// IsAssignedWorker reports whether name is the job's assigned worker.
func (j Job) IsAssignedWorker(name string) bool {
	return name != "" && j.FreelancerName == name
}

// HasApplicant reports whether name already applied.
func (j Job) HasApplicant(name string) bool {
	for _, a := range j.Applicants {
		if a == name {
			return true
		}
	}
	return false
}

// JobRecord is the creation payload published after on-chain funding.
type JobRecord struct {
	ChainJobID        string          `json:"chain_job_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Tags              []string        `json:"tags"`
	AmountMNEE        decimal.Decimal `json:"amount_mnee"`
	ClientAddress     string          `json:"client_address"`
	FreelancerAddress string          `json:"freelancer_address"`
	ChainID           uint64          `json:"chain_id"`
	ClientName        string          `json:"client_name"`
	FundingTxHash     string          `json:"funding_tx_hash,omitempty"`
	IDDegraded        bool            `json:"id_degraded,omitempty"`
}

// NewJob builds the OPEN projection for a freshly published record.
func NewJob(rec JobRecord, now time.Time) Job {
	return Job{
		ChainJobID:        rec.ChainJobID,
		Title:             rec.Title,
		Description:       rec.Description,
		AmountMNEE:        rec.AmountMNEE,
		Tags:              NormalizeTags(rec.Tags),
		ClientAddress:     rec.ClientAddress,
		ClientName:        rec.ClientName,
		FreelancerAddress: rec.FreelancerAddress,
		Status:            StatusOpen,
		Applicants:        []string{},
		ChainID:           rec.ChainID,
		FundingTxHash:     rec.FundingTxHash,
		IDDegraded:        rec.IDDegraded,
		Version:           1,
		CreatedAt:         now,
	}
}

// Artifact is one delivered file.
type Artifact struct {
	Name    string
	Content []byte
}

// Submission is one immutable delivery attempt and its verdict.
type Submission struct {
	ID             string    `json:"id"`
	ChainJobID     string    `json:"chain_job_id"`
	FreelancerName string    `json:"freelancer_name"`
	Notes          string    `json:"notes"`
	Files          []string  `json:"files"`
	Verdict        Verdict   `json:"verdict"`
	Reason         string    `json:"reason"`
	TxHash         string    `json:"tx_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransactionStep is the observable progress of one funding attempt.
// Ordinal 0 is idle; 1 allowance, 2 funding, 3 projection sync.
type TransactionStep struct {
	Ordinal int    `json:"ordinal"`
	Status  string `json:"status"`
	Done    bool   `json:"done"`
	Failed  bool   `json:"failed"`
}

// NormalizeTags trims tags and drops blanks and repeats, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
