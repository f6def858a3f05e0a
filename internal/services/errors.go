package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks bad configuration or input detected before work starts.
	ErrValidation = errors.New("validation error")
	// ErrInvariant marks a workspace found in a state that should never occur.
	ErrInvariant = errors.New("invariant violation")
	// ErrRetrieval marks a retrieval process that could not be launched or captured.
	ErrRetrieval = errors.New("retrieval failure")
	// ErrTransform marks a failed unpack or reorganize step.
	ErrTransform = errors.New("transform failure")
	// ErrFinalize marks missing branches or a destination collision at relocation time.
	ErrFinalize = errors.New("finalize failure")

	ErrConfiguration = errors.New("configuration error")
	ErrExternalTool  = errors.New("external tool error")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrExternalTool
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind names the marker carried by err, or "error" when none matches.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, ErrTransform):
		return "transform"
	case errors.Is(err, ErrFinalize):
		return "finalize"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrExternalTool):
		return "external_tool"
	default:
		return "error"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
