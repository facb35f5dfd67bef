package api

import "time"

// Route is one entry of the routing table as exposed by the control API.
type Route struct {
	Name     string        `json:"name"`
	Source   string        `json:"source"`
	Target   string        `json:"target"`
	Mappings []PortMapping `json:"mappings,omitempty"`
}

// PortMapping is a listener of a route: Route.Source:SourcePort forwards to
// Target. Connections counts the relays currently open.
type PortMapping struct {
	SourcePort  uint16 `json:"source_port"`
	Target      string `json:"target"`
	Connections int    `json:"connections"`
}

// Endpoint is the answer to a resolve request.
type Endpoint struct {
	IP string `json:"ip"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RouteHealth is the last known state of a route's resource.
type RouteHealth struct {
	Name      string    `json:"name"`
	Level     string    `json:"level"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthReport is the answer of GET /health.
type HealthReport struct {
	Overall string        `json:"overall"`
	Routes  []RouteHealth `json:"routes"`
}
