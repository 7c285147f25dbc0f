// SPDX-License-Identifier: ice License 1.0

package terror

// Public API.

type (
	// Err is an error annotated with structured data about the failure.
	Err struct {
		error
		Data map[string]any `json:"data"`
	}
)
