package models

import (
	"time"

	"github.com/SiphoYawe/mina-sdk/errs"
)

// ExecutionStatus is the coarse lifecycle of an execution. Granular phases
// (approving, bridging, depositing, ...) live in ExecutionState.Substatus.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// Terminal reports whether the status permits no further mutation.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Substatus values recorded while an execution is in progress.
const (
	SubstatusPending    = "pending"
	SubstatusApproving  = "approving"
	SubstatusApproved   = "approved"
	SubstatusExecuting  = "executing"
	SubstatusBridging   = "bridging"
	SubstatusDepositing = "depositing"
	SubstatusCompleted  = "completed"
	SubstatusFailed     = "failed"
)

// StepState is the lifecycle of a single step: pending → active →
// completed | failed. A failed step terminates the pipeline.
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

// StepStatus tracks one step of a running execution.
type StepStatus struct {
	StepID    string    `json:"stepId"`
	Step      StepType  `json:"step"`
	Status    StepState `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState is the registry's record of one orchestrator run. The
// orchestrator is its only writer; everyone else gets copies.
type ExecutionState struct {
	ExecutionID      string          `json:"executionId"`
	QuoteID          string          `json:"quoteId"`
	Status           ExecutionStatus `json:"status"`
	Substatus        string          `json:"substatus,omitempty"`
	SubstatusMessage string          `json:"substatusMessage,omitempty"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	TotalSteps       int             `json:"totalSteps"`
	Steps            []StepStatus    `json:"steps"`
	TxHash           string          `json:"txHash,omitempty"`
	ReceivingTxHash  string          `json:"receivingTxHash,omitempty"`
	DepositTxHash    string          `json:"depositTxHash,omitempty"`
	FromAmount       string          `json:"fromAmount"`
	ToAmount         string          `json:"toAmount,omitempty"`
	ReceivedAmount   string          `json:"receivedAmount,omitempty"`
	FromChainID      int64           `json:"fromChainId"`
	ToChainID        int64           `json:"toChainId"`
	Progress         int             `json:"progress"`
	EstimatedTime    float64         `json:"estimatedTime"`
	Error            *errs.Error     `json:"error,omitempty"`
	RetryCount       int             `json:"retryCount"`
	PreviousErrors   []*errs.Error   `json:"previousErrors,omitempty"`
	FailedStepIndex  int             `json:"failedStepIndex"` // -1 when none
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ExecutionResult is what the orchestrator returns. It is always returned,
// never thrown away: failures arrive as Status=failed with Error set.
type ExecutionResult struct {
	ExecutionID    string          `json:"executionId"`
	Status         ExecutionStatus `json:"status"`
	Steps          []StepStatus    `json:"steps"`
	TxHash         string          `json:"txHash,omitempty"`
	FromAmount     string          `json:"fromAmount"`
	ToAmount       string          `json:"toAmount,omitempty"`
	ReceivedAmount string          `json:"receivedAmount,omitempty"`
	DepositTxHash  string          `json:"depositTxHash,omitempty"`
	Error          *errs.Error     `json:"error,omitempty"`
}

// ExecutionStatusResult is the registry's read-only projection for callers.
// Found is false for unknown ids and every other field is zero.
type ExecutionStatusResult struct {
	Found           bool            `json:"found"`
	ExecutionID     string          `json:"executionId,omitempty"`
	Status          ExecutionStatus `json:"status,omitempty"`
	Substatus       string          `json:"substatus,omitempty"`
	CurrentStep     *StepStatus     `json:"currentStep,omitempty"`
	Steps           []StepStatus    `json:"steps,omitempty"`
	Progress        int             `json:"progress"`
	TxHash          string          `json:"txHash,omitempty"`
	ReceivingTxHash string          `json:"receivingTxHash,omitempty"`
	Error           *errs.Error     `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// BridgeStatus is the mapped aggregator view of a submitted transaction.
type BridgeStatus struct {
	Status           string `json:"status"`
	Substatus        string `json:"substatus,omitempty"`
	Message          string `json:"message,omitempty"`
	SendingTxHash    string `json:"sendingTxHash,omitempty"`
	ReceivingTxHash  string `json:"receivingTxHash,omitempty"`
	ReceivedAmount   string `json:"receivedAmount,omitempty"`
	ReceivingChainID int64  `json:"receivingChainId,omitempty"`
}

// Aggregator transaction statuses surfaced by BridgeStatus.Status.
const (
	BridgeStatusNotFound = "NOT_FOUND"
	BridgeStatusInvalid  = "INVALID"
	BridgeStatusPending  = "PENDING"
	BridgeStatusDone     = "DONE"
	BridgeStatusFailed   = "FAILED"
)
