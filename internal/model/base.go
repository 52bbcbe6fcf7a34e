package model

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSONMap represents a generic JSON object stored as JSONB
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RolePatient           Role = "patient"
	RoleProvider          Role = "provider"
	RolePharmacist        Role = "pharmacist"
	RoleCareCoordinator   Role = "care_coordinator"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAdmin             Role = "admin"
	RoleSystem            Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RolePharmacist, RoleCareCoordinator,
		RoleComplianceOfficer, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is an authenticated caller.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActorID identifies background jobs (SLA sweep, outbox relay) in the audit trail.
var SystemActorID = uuid.MustParse("00000000-0000-0000-0000-000000005157")

// SystemActor returns the actor used by background jobs.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, Role: RoleSystem}
}

// AccessRequest carries the caller's stated reason for touching PHI.
type AccessRequest struct {
	Justification string `json:"justification,omitempty"`
	Emergency     bool   `json:"emergency,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

type actorKey struct{}
type accessKey struct{}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// WithAccessRequest stores the caller's access justification in ctx.
func WithAccessRequest(ctx context.Context, req AccessRequest) context.Context {
	return context.WithValue(ctx, accessKey{}, req)
}

// AccessRequestFromContext returns the access justification stored in ctx, if any.
func AccessRequestFromContext(ctx context.Context) AccessRequest {
	req, _ := ctx.Value(accessKey{}).(AccessRequest)
	return req
}
