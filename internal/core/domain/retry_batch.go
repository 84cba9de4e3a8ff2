package domain

import (
	"slices"
	"time"
)

const (
	retryBatchPrefix          = "RetryBatches/"
	messageFailureRetryPrefix = "MessageFailureRetries/"

	// ReclassifyErrorSettingsID is the fixed id of the reclassification settings singleton.
	ReclassifyErrorSettingsID = "ReclassifyErrorSettings/1"
)

// RetryBatch tracks one bulk-retry request through its lifecycle.
type RetryBatch struct {
	ID               string           `json:"id"`
	Started          time.Time        `json:"started"`
	Status           RetryBatchStatus `json:"status"`
	FailureRetries   []string         `json:"failure_retries"`
	RetrySessionID   string           `json:"retry_session_id,omitempty"`
	RequestID        string           `json:"request_id,omitempty"`
	Context          string           `json:"context,omitempty"`
	InitialBatchSize int              `json:"initial_batch_size"`
	Version          int64            `json:"version"`
}

type RetryBatchStatus string

const (
	RetryBatchStatusMarkingDocuments RetryBatchStatus = "marking_documents"
	RetryBatchStatusStaging          RetryBatchStatus = "staging"
	RetryBatchStatusForwarding       RetryBatchStatus = "forwarding"
	RetryBatchStatusDone             RetryBatchStatus = "done"
)

// RetryBatchStatuses lists every status in lifecycle order.
var RetryBatchStatuses = []RetryBatchStatus{
	RetryBatchStatusMarkingDocuments,
	RetryBatchStatusStaging,
	RetryBatchStatusForwarding,
	RetryBatchStatusDone,
}

// Ordinal returns the position of s in the lifecycle, or -1 for an unknown status.
func (s RetryBatchStatus) Ordinal() int {
	return slices.Index(RetryBatchStatuses, s)
}

// RetryBatchID builds the batch document id from a unique token.
func RetryBatchID(uniqueID string) string {
	return retryBatchPrefix + uniqueID
}

// Clone returns a copy that shares no mutable state with b.
func (b *RetryBatch) Clone() *RetryBatch {
	c := *b
	c.FailureRetries = slices.Clone(b.FailureRetries)
	return &c
}

// MessageFailureRetry is the durable marker that a failed message belongs to a retry batch.
type MessageFailureRetry struct {
	ID               string `json:"id"                 db:"id"`
	RetryBatchID     string `json:"retry_batch_id"     db:"retry_batch_id"`
	FailureMessageID string `json:"failure_message_id" db:"failure_message_id"`
}

// MessageFailureRetryID builds the deterministic marker id for a message.
func MessageFailureRetryID(uniqueMessageID string) string {
	return messageFailureRetryPrefix + uniqueMessageID
}

// ReclassifyErrorSettings records whether the one-time reclassification pass has run.
type ReclassifyErrorSettings struct {
	ID                   string `json:"id"`
	ReclassificationDone bool   `json:"reclassification_done"`
}
