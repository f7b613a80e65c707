package common

import (
	"github.com/google/uuid"
)

// NewCorrelationID generates a unique classifier request ID
// Format: req_<uuid>
func NewCorrelationID() string {
	return "req_" + uuid.New().String()
}

// NewRunID generates a unique analysis run ID
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}
