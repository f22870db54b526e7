// Package permissions maps guarded routes to the action a caller must be
// allowed to perform.
package permissions

import (
	"net/http"

	"github.com/altarplan/creditledger/internal/security"
)

// Definition describes one guarded route.
type Definition struct {
	Key    string
	Method string
	Path   string
	Label  string
	Module string
	Action security.Action
}

var definitions = []Definition{
	define(http.MethodPost, "/scheduled-tasks/credit-refresh", "Run credit refresh batch", "scheduled-tasks", security.ActionRunRefresh),
	define(http.MethodPost, "/scheduled-tasks/credit-refresh-worker", "Run credit refresh worker", "scheduled-tasks", security.ActionRunRefresh),
	define(http.MethodPost, "/scheduled-tasks/credit-refresh-enqueue", "Enqueue credit refresh jobs", "scheduled-tasks", security.ActionRunRefresh),
	define(http.MethodGet, "/scheduled-tasks/credit-refresh-monitor", "View credit refresh monitor", "scheduled-tasks", security.ActionViewMonitor),
	define(http.MethodGet, "/admin/users/:userId/credits", "View user credits", "credits", security.ActionReadCredits),
	define(http.MethodPost, "/admin/users/:userId/credits", "Change user credits", "credits", security.ActionWriteCredits),
	define(http.MethodPost, "/admin/users/:userId/credits/jobs", "Enqueue user credit refresh", "credits", security.ActionEnqueueJob),
}

func define(method, path, label, module string, action security.Action) Definition {
	return Definition{Key: Key(method, path), Method: method, Path: path, Label: label, Module: module, Action: action}
}

// Key builds the lookup key for a route.
func Key(method, path string) string {
	return method + " " + path
}

// Definitions returns every guarded route.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// DefinitionMap indexes Definitions by Key.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}
