package domain

import (
	"maps"
	"slices"
	"time"
)

// FailedMessage is the audited record of a message that failed processing.
type FailedMessage struct {
	ID                 string              `json:"id"`
	Status             FailedMessageStatus `json:"status"`
	RetryID            string              `json:"retry_id,omitempty"`
	FailureGroups      []FailureGroup      `json:"failure_groups"`
	ProcessingAttempts []ProcessingAttempt `json:"processing_attempts"`
	Version            int64               `json:"version"`
	LastModified       time.Time           `json:"last_modified"`
}

type FailedMessageStatus string

const (
	FailedMessageStatusUnresolved  FailedMessageStatus = "unresolved"
	FailedMessageStatusRetryIssued FailedMessageStatus = "retry_issued"
	FailedMessageStatusResolved    FailedMessageStatus = "resolved"
	FailedMessageStatusArchived    FailedMessageStatus = "archived"
)

// ProcessingAttempt is one failed delivery of the message to an endpoint.
type ProcessingAttempt struct {
	MessageID       string            `json:"message_id"`
	Headers         map[string]string `json:"headers"`
	MessageMetadata map[string]any    `json:"message_metadata,omitempty"`
	Body            []byte            `json:"body"`
	FailureDetails  *FailureDetails   `json:"failure_details,omitempty"`
	AttemptedAt     time.Time         `json:"attempted_at"`
}

// FailureDetails describes where and why an attempt failed.
type FailureDetails struct {
	AddressOfFailingEndpoint string            `json:"address_of_failing_endpoint"`
	TimeOfFailure            time.Time         `json:"time_of_failure"`
	Exception                *ExceptionDetails `json:"exception,omitempty"`
}

type ExceptionDetails struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message"`
	Source        string `json:"source,omitempty"`
	StackTrace    string `json:"stack_trace,omitempty"`
}

// LastAttempt returns the most recent processing attempt, or nil if there is none.
func (m *FailedMessage) LastAttempt() *ProcessingAttempt {
	if len(m.ProcessingAttempts) == 0 {
		return nil
	}
	return &m.ProcessingAttempts[len(m.ProcessingAttempts)-1]
}

// InGroup reports whether the message is a member of the given failure group.
func (m *FailedMessage) InGroup(groupID string) bool {
	for _, g := range m.FailureGroups {
		if g.ID == groupID {
			return true
		}
	}
	return false
}

// GroupIDs returns the ids of all groups the message belongs to.
func (m *FailedMessage) GroupIDs() []string {
	ids := make([]string, 0, len(m.FailureGroups))
	for _, g := range m.FailureGroups {
		ids = append(ids, g.ID)
	}
	return ids
}

// Clone returns a copy that shares no mutable state with m.
func (m *FailedMessage) Clone() *FailedMessage {
	c := *m
	c.FailureGroups = slices.Clone(m.FailureGroups)
	c.ProcessingAttempts = make([]ProcessingAttempt, len(m.ProcessingAttempts))
	for i, a := range m.ProcessingAttempts {
		a.Headers = maps.Clone(a.Headers)
		a.MessageMetadata = maps.Clone(a.MessageMetadata)
		a.Body = slices.Clone(a.Body)
		if a.FailureDetails != nil {
			fd := *a.FailureDetails
			if fd.Exception != nil {
				ex := *fd.Exception
				fd.Exception = &ex
			}
			a.FailureDetails = &fd
		}
		c.ProcessingAttempts[i] = a
	}
	return &c
}
