package model

// NodeRole is the replication role of a node in the pair
type NodeRole string

const (
	RoleActive     NodeRole = "active"
	RolePassive    NodeRole = "passive"
	RolePromoting  NodeRole = "promoting"
	RoleTerminated NodeRole = "terminated"
)

// NodeStatus describes a node as reported to routers and health probes
type NodeStatus struct {
	NodeID         string   `json:"node_id"`
	Role           NodeRole `json:"role"`
	Epoch          Epoch    `json:"epoch"`
	LastSequence   uint64   `json:"last_sequence"`
	AckedSequence  uint64   `json:"acked_sequence"`
	AppliedSeq     uint64   `json:"applied_sequence"`
	PendingRecords int      `json:"pending_records"`
	Caches         int      `json:"caches"`
}

// HealthStatus is the health view of a node
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Health derives a health status from the replication role
func (s NodeStatus) Health() HealthStatus {
	switch s.Role {
	case RoleActive, RolePassive:
		return HealthStatusHealthy
	case RolePromoting:
		return HealthStatusDegraded
	default:
		return HealthStatusUnhealthy
	}
}
