package domain

// FailureGroup is a cluster of failures that share one classification value.
type FailureGroup struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}
