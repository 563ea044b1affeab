package model

// HealthStatus represents the health state of the account server
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Devices   []DeviceHealth
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// DeviceHealth is the last observed state of one storage device
type DeviceHealth struct {
	Device       string  `json:"device"`
	Mounted      bool    `json:"mounted"`
	UsagePercent float64 `json:"usage_percent"`
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
}
