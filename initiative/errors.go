package initiative

import (
	"errors"

	"github.com/hazyhaar/etabli/initiative/internal/assistant"
)

// ErrNotFound is returned when an initiative does not exist.
var ErrNotFound = errors.New("initiative: not found")

// ErrInvalidInput is returned when a query fails validation.
var ErrInvalidInput = errors.New("initiative: invalid input")

// ErrInvalidConfig is returned when the configuration cannot be used.
var ErrInvalidConfig = errors.New("initiative: invalid config")

// Assistant errors, matched with errors.Is.
var (
	ErrKnowledgeBaseNotReady = assistant.ErrKnowledgeBaseNotReady
	ErrAssistantUnavailable  = assistant.ErrAssistantUnavailable
	ErrInvalidRequest        = assistant.ErrInvalidRequest
)
