package domain

import "maps"

// Headers read from failed messages, set by the sending and processing endpoints.
const (
	HeaderProcessingEndpoint   = "NServiceBus.ProcessingEndpoint"
	HeaderProcessingMachine    = "NServiceBus.ProcessingMachine"
	HeaderEnclosedMessageTypes = "NServiceBus.EnclosedMessageTypes"
	HeaderMessageID            = "NServiceBus.MessageId"
	HeaderHostID               = "$.diagnostics.hostid"
	HeaderHostDisplayName      = "$.diagnostics.hostdisplayname"
	HeaderInstanceID           = "$.diagnostics.instanceid"
)

// Headers written by the retry pipeline.
const (
	HeaderTargetEndpointAddress = "Recoverd.TargetEndpointAddress"
	HeaderRetryUniqueMessageID  = "Recoverd.Retry.UniqueMessageId"
	HeaderRetryBatchID          = "Recoverd.Retry.BatchId"
	// HeaderDeliveryAttempts is transport bookkeeping and never leaves the pipeline.
	HeaderDeliveryAttempts = "Recoverd.DeliveryAttempts"
)

// TransportMessage is the unit moved between queues.
type TransportMessage struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// NewTransportMessage creates a message with a copy of the given headers.
func NewTransportMessage(id string, headers map[string]string, body []byte) *TransportMessage {
	h := maps.Clone(headers)
	if h == nil {
		h = make(map[string]string)
	}
	return &TransportMessage{ID: id, Headers: h, Body: body}
}

// Header returns the header value and whether it was present.
func (m *TransportMessage) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

func (m *TransportMessage) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

func (m *TransportMessage) RemoveHeader(key string) {
	delete(m.Headers, key)
}
