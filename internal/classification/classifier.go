// Package classification groups failed messages into clusters an operator can act on.
package classification

import (
	"strings"

	"github.com/google/uuid"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// groupNamespace seeds the name-based uuids used as failure group ids.
var groupNamespace = uuid.MustParse("4f6b2c1e-8d3a-5b7e-9c2f-1a0d3e5b7c9a")

// Details is the slice of a failed message that classifiers look at.
type Details struct {
	Headers     map[string]string
	Failure     *domain.FailureDetails
	MessageType string
}

// Classifier maps a failure to a classification value. The second result is
// false when the classifier does not apply to the failure.
type Classifier interface {
	Name() string
	ClassifyFailure(d Details) (string, bool)
}

// DetailsFrom builds classification details from the last processing attempt.
func DetailsFrom(m *domain.FailedMessage) Details {
	attempt := m.LastAttempt()
	if attempt == nil {
		return Details{}
	}

	d := Details{
		Headers: attempt.Headers,
		Failure: attempt.FailureDetails,
	}
	d.MessageType = messageType(attempt)
	return d
}

// messageType reads the first enclosed message type, without its assembly qualifier.
func messageType(a *domain.ProcessingAttempt) string {
	if mt, ok := a.MessageMetadata["MessageType"].(string); ok && mt != "" {
		return mt
	}

	enclosed := a.Headers[domain.HeaderEnclosedMessageTypes]
	if enclosed == "" {
		return ""
	}
	first, _, _ := strings.Cut(enclosed, ";")
	name, _, _ := strings.Cut(first, ",")
	return strings.TrimSpace(name)
}

// GroupID returns the deterministic id of the group a classifier assigns for a value.
func GroupID(classifierName, classification string) string {
	return uuid.NewSHA1(groupNamespace, []byte(classifierName+"/"+classification)).String()
}

// Taxonomy is an ordered set of classifiers applied to every failure.
type Taxonomy []Classifier

// DefaultTaxonomy returns every built-in classifier.
func DefaultTaxonomy(parser *StackTraceParser) Taxonomy {
	return Taxonomy{
		EndpointAddressClassifier{},
		EndpointNameClassifier{},
		EndpointInstanceClassifier{},
		MessageTypeClassifier{},
		NewExceptionTypeAndStackTraceClassifier(parser),
	}
}

// Classify returns one group per classifier that applies to d.
func (t Taxonomy) Classify(d Details) []domain.FailureGroup {
	groups := make([]domain.FailureGroup, 0, len(t))
	for _, c := range t {
		value, ok := c.ClassifyFailure(d)
		if !ok || value == "" {
			continue
		}
		groups = append(groups, domain.FailureGroup{
			ID:    GroupID(c.Name(), value),
			Title: value,
			Type:  c.Name(),
		})
	}
	return groups
}

// ByName returns the classifier with the given name.
func (t Taxonomy) ByName(name string) (Classifier, bool) {
	for _, c := range t {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}
