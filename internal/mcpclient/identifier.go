package mcpclient

import (
	"fmt"
	"strings"
)

// Separator joins a server name and a tool name into a composite tool
// identifier, e.g. "alpha__search". It is the sole addressing scheme across
// all transports.
const Separator = "__"

// SplitIdentifier splits a composite identifier on the first occurrence of
// the separator. Identifiers without the separator, or with an empty server
// or tool half, are rejected before any connection attempt.
func SplitIdentifier(identifier string) (server, tool string, err error) {
	server, tool, found := strings.Cut(identifier, Separator)
	if !found {
		return "", "", fmt.Errorf("%w: %q (expected serverName%stoolName)", ErrInvalidIdentifier, identifier, Separator)
	}
	if server == "" || tool == "" {
		return "", "", fmt.Errorf("%w: %q has an empty server or tool name", ErrInvalidIdentifier, identifier)
	}
	return server, tool, nil
}

// JoinIdentifier is the inverse of SplitIdentifier.
func JoinIdentifier(server, tool string) string {
	return server + Separator + tool
}
