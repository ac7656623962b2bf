// Package gridapi holds the wire-level JSON types of the distributor's HTTP
// surface. Handlers and clients share these; nothing here has behavior.
package gridapi

import "github.com/example/grid/internal/data"

// NewSessionPayload is the W3C-shaped create-session body.
type NewSessionPayload struct {
	Capabilities struct {
		AlwaysMatch data.Capabilities   `json:"alwaysMatch"`
		FirstMatch  []data.Capabilities `json:"firstMatch"`
	} `json:"capabilities"`
}

// Alternatives expands the payload into the desired-capability alternatives.
func (p NewSessionPayload) Alternatives() ([]data.Capabilities, error) {
	return data.MergeAlternatives(p.Capabilities.AlwaysMatch, p.Capabilities.FirstMatch)
}

type CreateSessionResponse struct {
	Value CreateSessionValue `json:"value"`
}

type CreateSessionValue struct {
	SessionID    data.SessionID    `json:"sessionId"`
	Capabilities data.Capabilities `json:"capabilities"`
}

type ErrorResponse struct {
	Value ErrorValue `json:"value"`
}

type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// RegisterNodeRequest is the node-join body: the node's advertised status
// plus the shared registration secret.
type RegisterNodeRequest struct {
	Status data.NodeStatus `json:"status"`
	Secret string          `json:"secret"`
}

type RegisterNodeResponse struct {
	Added bool `json:"added"`
}

type DrainNodeResponse struct {
	Draining bool `json:"draining"`
}
