// Package models defines the domain types of the flow compiler and the conversational execution engine.
package models

import "time"

// FlowStatus is the publication state of a flow version.
type FlowStatus string

const (
	FlowStatusActive   FlowStatus = "active"
	FlowStatusInactive FlowStatus = "inactive"
)

// Flow is a published, versioned automation. It owns its CompiledGraph, which
// never changes once saved; edits publish a new version.
type Flow struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	Name        string         `json:"name"        validate:"required"`
	Version     int            `json:"version"     validate:"gte=1"`
	Status      FlowStatus     `json:"status"      validate:"required,oneof=active inactive"`
	Graph       *CompiledGraph `json:"graph"       validate:"required"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
