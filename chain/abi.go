package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const tokenABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const escrowABIJSON = `[
  {"type":"function","name":"createJob","stateMutability":"nonpayable",
   "inputs":[{"name":"_freelancer","type":"address"},{"name":"_amount","type":"uint256"},{"name":"_description","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"releaseFunds","stateMutability":"nonpayable",
   "inputs":[{"name":"_jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundClient","stateMutability":"nonpayable",
   "inputs":[{"name":"_jobId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"jobs","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"client","type":"address"},
     {"name":"freelancer","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"description","type":"string"},
     {"name":"isSettled","type":"bool"},
     {"name":"isApproved","type":"bool"}]},
  {"type":"event","name":"JobCreated","anonymous":false,
   "inputs":[
     {"name":"jobId","type":"uint256","indexed":true},
     {"name":"client","type":"address","indexed":false},
     {"name":"freelancer","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	tokenABI  = mustParseABI(tokenABIJSON)
	escrowABI = mustParseABI(escrowABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid abi: %v", err))
	}
	return parsed
}

// Fixed gas ceilings for the funding sequence.
const (
	ApproveGasLimit   uint64 = 100_000
	CreateJobGasLimit uint64 = 500_000
)

// JobCreatedTopic is the event signature hash of JobCreated.
func JobCreatedTopic() common.Hash {
	return escrowABI.Events["JobCreated"].ID
}

// EncodeApprove builds calldata for token.approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("approve", spender, amount)
}

// EncodeCreateJob builds calldata for escrow.createJob(assignee, amount, description).
func EncodeCreateJob(assignee common.Address, amount *big.Int, description string) ([]byte, error) {
	return escrowABI.Pack("createJob", assignee, amount, description)
}

// EncodeJobCreatedData packs the non-indexed JobCreated fields as they
// appear in a log's data section.
func EncodeJobCreatedData(client, freelancer common.Address, amount *big.Int) ([]byte, error) {
	return escrowABI.Events["JobCreated"].Inputs.NonIndexed().Pack(client, freelancer, amount)
}

// JobCreatedLog builds the log the escrow contract emits for a new job.
func JobCreatedLog(escrow common.Address, jobID *big.Int, client, freelancer common.Address, amount *big.Int) (*types.Log, error) {
	data, err := EncodeJobCreatedData(client, freelancer, amount)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: escrow,
		Topics:  []common.Hash{JobCreatedTopic(), common.BigToHash(jobID)},
		Data:    data,
	}, nil
}

// EncodeJobLookup builds calldata for the escrow.jobs(id) view.
func EncodeJobLookup(id *big.Int) ([]byte, error) {
	return escrowABI.Pack("jobs", id)
}

// EscrowJob mirrors the escrow contract's job record.
type EscrowJob struct {
	ID          *big.Int
	Client      common.Address
	Freelancer  common.Address
	Amount      *big.Int
	Description string
	IsSettled   bool
	IsApproved  bool
}

// DecodeJobLookup unpacks the return data of escrow.jobs(id).
func DecodeJobLookup(data []byte) (EscrowJob, error) {
	values, err := escrowABI.Unpack("jobs", data)
	if err != nil {
		return EscrowJob{}, fmt.Errorf("unpack jobs: %w", err)
	}
	if len(values) != 7 {
		return EscrowJob{}, fmt.Errorf("unpack jobs: expected 7 values, got %d", len(values))
	}
	job := EscrowJob{}
	var ok bool
	if job.ID, ok = values[0].(*big.Int); !ok {
		return EscrowJob{}, fmt.Errorf("unpack jobs: id has type %T", values[0])
	}
	job.Client, _ = values[1].(common.Address)
	job.Freelancer, _ = values[2].(common.Address)
	job.Amount, _ = values[3].(*big.Int)
	job.Description, _ = values[4].(string)
	job.IsSettled, _ = values[5].(bool)
	job.IsApproved, _ = values[6].(bool)
	return job, nil
}

// EncodeJobLookupResult packs job as the return data of escrow.jobs(id).
func EncodeJobLookupResult(job EscrowJob) ([]byte, error) {
	return escrowABI.Methods["jobs"].Outputs.Pack(
		job.ID, job.Client, job.Freelancer, job.Amount, job.Description, job.IsSettled, job.IsApproved,
	)
}
