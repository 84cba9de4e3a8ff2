package classification

import (
	"github.com/vietddude/recoverd/internal/core/domain"
)

const (
	EndpointAddressClassifierName  = "Endpoint Address"
	EndpointNameClassifierName     = "Endpoint Name"
	EndpointInstanceClassifierName = "Endpoint Instance"
	MessageTypeClassifierName      = "Message Type"
	ExceptionTypeAndStackTraceName = "Exception Type and Stack Trace"
	noFrameSuffix                  = ": 0"
)

// EndpointAddressClassifier groups by the physical address of the failing endpoint.
type EndpointAddressClassifier struct{}

func (EndpointAddressClassifier) Name() string { return EndpointAddressClassifierName }

func (EndpointAddressClassifier) ClassifyFailure(d Details) (string, bool) {
	if d.Failure == nil || d.Failure.AddressOfFailingEndpoint == "" {
		return "", false
	}
	return d.Failure.AddressOfFailingEndpoint, true
}

// EndpointNameClassifier groups by the logical name of the receiving endpoint.
type EndpointNameClassifier struct{}

func (EndpointNameClassifier) Name() string { return EndpointNameClassifierName }

func (EndpointNameClassifier) ClassifyFailure(d Details) (string, bool) {
	name := d.Headers[domain.HeaderProcessingEndpoint]
	return name, name != ""
}

// EndpointInstanceClassifier groups by a stable identifier of the receiving instance.
type EndpointInstanceClassifier struct{}

func (EndpointInstanceClassifier) Name() string { return EndpointInstanceClassifierName }

func (EndpointInstanceClassifier) ClassifyFailure(d Details) (string, bool) {
	if id := d.Headers[domain.HeaderInstanceID]; id != "" {
		return id, true
	}
	if host := d.Headers[domain.HeaderHostID]; host != "" {
		return host, true
	}
	return "", false
}

// MessageTypeClassifier groups by message type.
type MessageTypeClassifier struct{}

func (MessageTypeClassifier) Name() string { return MessageTypeClassifierName }

func (MessageTypeClassifier) ClassifyFailure(d Details) (string, bool) {
	return d.MessageType, d.MessageType != ""
}

// ExceptionTypeAndStackTraceClassifier groups by exception type and the call
// site of the first stack frame, so failures thrown from the same place
// cluster together regardless of their messages.
type ExceptionTypeAndStackTraceClassifier struct {
	parser *StackTraceParser
}

func NewExceptionTypeAndStackTraceClassifier(parser *StackTraceParser) ExceptionTypeAndStackTraceClassifier {
	if parser == nil {
		parser = NewStackTraceParser(DefaultParseTimeout)
	}
	return ExceptionTypeAndStackTraceClassifier{parser: parser}
}

func (ExceptionTypeAndStackTraceClassifier) Name() string { return ExceptionTypeAndStackTraceName }

func (c ExceptionTypeAndStackTraceClassifier) ClassifyFailure(d Details) (string, bool) {
	if d.Failure == nil || d.Failure.Exception == nil {
		return "", false
	}
	ex := d.Failure.Exception
	if ex.StackTrace == "" {
		return ex.ExceptionType + noFrameSuffix, true
	}

	parser := c.parser
	if parser == nil {
		parser = NewStackTraceParser(DefaultParseTimeout)
	}

	frames, err := parser.Parse(StripMessage(ex.StackTrace, ex.Message))
	if err != nil || len(frames) == 0 {
		return ex.ExceptionType + noFrameSuffix, true
	}

	first := frames[0]
	return ex.ExceptionType + ": " + first.Type + "." + first.Method + first.Params, true
}
