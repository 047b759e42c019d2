// Package routing abstracts the backend that forwards public session paths
// to a sandbox's private address, one route per internal service.
package routing

import (
	"context"

	"github.com/botlabs-edu/sessiond/internal/session"
)

// ServiceSpec names one internal service a sandbox exposes and how to health
// check it.
type ServiceSpec struct {
	Name            session.ServiceName `yaml:"name"`
	Port            int32               `yaml:"port"`
	HealthCheckPath string              `yaml:"health_check_path"`
}

// DefaultServices is the fixed set of internal services every sandbox
// exposes. Runtime config may override ports and health paths.
func DefaultServices() []ServiceSpec {
	return []ServiceSpec{
		{Name: session.ServiceApp, Port: 8080, HealthCheckPath: "/healthz"},
		{Name: session.ServiceTelemetry, Port: 9001, HealthCheckPath: "/health"},
		{Name: session.ServiceSimBridge, Port: 9002, HealthCheckPath: "/health"},
		{Name: session.ServiceLangServ, Port: 9003, HealthCheckPath: "/health"},
	}
}

// Backend provisions and removes per-session routes.
type Backend interface {
	// CreateRoute creates the forwarding rule and an empty target
	// registration for one service. The target is registered later, once the
	// task's address is known.
	CreateRoute(ctx context.Context, sessionID string, svc ServiceSpec) (session.Route, error)

	// RegisterTarget points the route's target registration at the task.
	RegisterTarget(ctx context.Context, route session.Route, address string, port int32) error

	// RemoveRoute deletes the rule and its target registration. Removing an
	// already-gone route is not an error.
	RemoveRoute(ctx context.Context, route session.Route) error

	// ListSessionRoutes returns every route the backend holds, grouped by
	// the session id it was tagged with. The sweeper uses this to find
	// routes orphaned by failed creation pipelines.
	ListSessionRoutes(ctx context.Context) (map[string][]session.Route, error)
}
