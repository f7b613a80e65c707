package models

import (
	"time"
)

// PredictionUnknown is recorded when the classifier could not produce a usable outcome
const PredictionUnknown = "unknown"

// FeatureMap holds feature values keyed by name. Merged maps use "<stage>.<name>" keys.
type FeatureMap map[string]interface{}

// Outcome is the classifier's answer for one feature map
type Outcome struct {
	Label                   string             `json:"label"`
	Probabilities           map[string]float64 `json:"probabilities,omitempty"`
	IsPhishing              bool               `json:"is_phishing"`
	RequiredFeaturesPresent bool               `json:"required_features_present"`
	MissingFeatures         []string           `json:"missing_features,omitempty"`
}

// Usable reports whether the outcome can be trusted as a verdict
func (o *Outcome) Usable() bool {
	return o != nil && o.RequiredFeaturesPresent && len(o.MissingFeatures) == 0
}

// RecordTimestamps brackets a run
type RecordTimestamps struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

// RecordMetadata carries the degradations observed during a run
type RecordMetadata struct {
	PartialData     bool     `json:"partial_data"`
	Warnings        []string `json:"warnings,omitempty"`
	FailedStages    []string `json:"failed_stages,omitempty"`
	MissingFeatures []string `json:"missing_features,omitempty"`
	ClassifierError string   `json:"classifier_error,omitempty"`
}

// ResultRecord is the immutable outcome of one completed run
type ResultRecord struct {
	RunID          string           `json:"run_id"`
	ContextID      int64            `json:"context_id"`
	URL            string           `json:"url"`
	MergedFeatures FeatureMap       `json:"merged_features"`
	Prediction     string           `json:"prediction"`
	Outcome        *Outcome         `json:"outcome,omitempty"`
	Timestamps     RecordTimestamps `json:"timestamps"`
	Duration       time.Duration    `json:"duration"`
	Metadata       RecordMetadata   `json:"metadata"`
}
