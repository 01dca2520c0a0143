package trajectory

import (
	"encoding/json"
	"fmt"

	"github.com/ravel-labs/ravel/pkg/types"
)

// Export renders a trajectory as its ATIF JSON interchange form. The
// schema_version field (already prefixed ATIF- by Create) round-trips
// verbatim.
func Export(t *types.Trajectory) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Import parses and validates an ATIF document, rejecting it outright if
// Validate fails rather than returning a partially-usable trajectory.
func Import(data []byte) (*types.Trajectory, error) {
	var t types.Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trajectory: invalid ATIF document: %w", err)
	}
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
