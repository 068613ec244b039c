package worker

import (
	"strings"

	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/tools"
)

// defaultRoutes maps scheduled action types to the tool that performs them.
var defaultRoutes = map[string]string{
	queue.ActionSendFollowup:        tools.NameSendMessage,
	queue.ActionGoalCheckin:         tools.NameSendMessage,
	queue.ActionDeadlineReminder:    tools.NameSendMessage,
	queue.ActionReengagement:        tools.NameSendMessage,
	queue.ActionScheduledTouchpoint: tools.NameSendMessage,
}

// ToolSet reports which tools are registered.
type ToolSet interface {
	Has(name string) bool
}

// Router resolves a job's action type to a tool name. The table is fixed at
// construction; a registered tool name always maps to itself.
type Router struct {
	routes map[string]string
	tools  ToolSet
}

// NewRouter builds a Router from the default table plus overrides.
func NewRouter(ts ToolSet, overrides map[string]string) *Router {
	routes := make(map[string]string, len(defaultRoutes)+len(overrides))
	for k, v := range defaultRoutes {
		routes[k] = v
	}
	for k, v := range overrides {
		routes[strings.ToLower(k)] = v
	}
	return &Router{routes: routes, tools: ts}
}

// Resolve returns the tool for actionType.
func (r *Router) Resolve(actionType string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(actionType))
	if r.tools.Has(key) {
		return key, true
	}
	name, ok := r.routes[key]
	if !ok || !r.tools.Has(name) {
		return "", false
	}
	return name, true
}

// Input builds the tool input for a job: the payload plus the contractor id,
// and the action type when the job was routed to a different tool.
func (r *Router) Input(job queue.Job, tool string) map[string]any {
	in := make(map[string]any, len(job.Payload)+2)
	for k, v := range job.Payload {
		in[k] = v
	}
	in["contractor_id"] = job.ContractorID
	if tool != strings.ToLower(job.ActionType) {
		in["action_type"] = job.ActionType
	}
	return in
}
