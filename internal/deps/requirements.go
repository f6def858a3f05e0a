package deps

import (
	"fmt"
	"strings"

	"std2bids/internal/config"
)

// Requirements lists the external tools a run needs, as configured.
func Requirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	return []Requirement{
		{
			Name:        "ukbfetch",
			Command:     cfg.Fetch.Binary,
			Description: "Downloads UK Biobank bulk files",
		},
		{
			Name:        "Reorganizer",
			Command:     cfg.Reorganizer.Binary,
			Description: "Unpacks bulk files and reorganizes them into the BIDS layout",
		},
	}
}

// Missing returns the statuses of required tools that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}

// Describe renders unavailable tools as one line for error messages.
func Describe(missing []Status) string {
	parts := make([]string, 0, len(missing))
	for _, s := range missing {
		parts = append(parts, fmt.Sprintf("%s (%s)", s.Name, s.Detail))
	}
	return strings.Join(parts, ", ")
}
