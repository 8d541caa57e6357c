package sioserver

import (
	"strings"

	"github.com/google/uuid"
)

// generateID returns a random session id. Session ids travel in the
// handshake body and the upgrade path, so they must not contain ':' or '/'.
func generateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// endpointName strips the query from the endpoint field of a connect packet.
func endpointName(endpoint string) string {
	name, _, _ := strings.Cut(endpoint, "?")
	return name
}
