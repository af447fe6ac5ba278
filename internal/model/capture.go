package model

import "time"

// CaptureStatus represents the pipeline state of a capture.
type CaptureStatus string

const (
	CaptureStatusPending              CaptureStatus = "pending"
	CaptureStatusRouting              CaptureStatus = "routing"
	CaptureStatusExtracted            CaptureStatus = "extracted"
	CaptureStatusResolving            CaptureStatus = "resolving"
	CaptureStatusDeciding             CaptureStatus = "deciding"
	CaptureStatusAwaitingVerification CaptureStatus = "awaiting_verification"
	CaptureStatusAccepted             CaptureStatus = "accepted"
	CaptureStatusFlagged              CaptureStatus = "flagged"
	CaptureStatusRejected             CaptureStatus = "rejected"
)

// Terminal reports whether a capture in this status is done processing.
// AwaitingVerification is not terminal: the verifier resolves it later.
func (s CaptureStatus) Terminal() bool {
	switch s {
	case CaptureStatusAccepted, CaptureStatusFlagged, CaptureStatusRejected:
		return true
	default:
		return false
	}
}

// ReasonCode is the operator-visible explanation attached to a flagged or
// rejected capture. Operators see these codes, never raw error text.
type ReasonCode string

const (
	ReasonInferenceFailed  ReasonCode = "inference_failed"
	ReasonLowConfidence    ReasonCode = "low_confidence"
	ReasonRateLimited      ReasonCode = "rate_limited"
	ReasonCatalogIntegrity ReasonCode = "catalog_integrity"
	ReasonVerifierRejected ReasonCode = "verifier_rejected"
)

// Capture is one photographed card instance moving through the pipeline.
// Created on intake, mutated only by stage transitions, never deleted.
type Capture struct {
	ID        string        `json:"id"`
	ImageRef  string        `json:"image_ref"`
	Status    CaptureStatus `json:"status"`
	Reason    ReasonCode    `json:"reason,omitempty"`
	ValueTier ValueTier     `json:"value_tier,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
