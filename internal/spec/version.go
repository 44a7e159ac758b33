package spec

import "fmt"

// Sentinel version selector that resolves to the current version.
const LatestVersion = "latest"

// Resolves a requested version against a version mapping.
//
// An empty request or [LatestVersion] selects current. Any other request must
// exactly match a key of versions. Failure wraps [ErrConfiguration].
func ResolveVersion[V any](current string, versions map[string]V, requested string) (string, V, error) {
	if requested == "" || requested == LatestVersion {
		requested = current
	}

	v, ok := versions[requested]
	if !ok {
		var zero V
		return "", zero, fmt.Errorf("%w: no configuration found for version %q", ErrConfiguration, requested)
	}
	return requested, v, nil
}

// Resolves a connector version selector to its name and configuration.
func (c *PostgresSinkConfig) Resolve(requested string) (string, ConnectorVersion, error) {
	name, v, err := ResolveVersion(c.Current, c.Versions, requested)
	if err != nil {
		return "", ConnectorVersion{}, fmt.Errorf("postgres sink connector: %w", err)
	}
	return name, v, nil
}
