package ledger

import (
	"strings"

	"github.com/altarplan/creditledger/internal/credits"
)

// Action names an administrative ledger operation.
type Action string

// Supported actions.
const (
	ActionAdd        Action = "add"
	ActionSubtract   Action = "subtract"
	ActionSet        Action = "set"
	ActionInitialize Action = "initialize"
	ActionRepair     Action = "repair"
	ActionResetDaily Action = "reset_daily"
	ActionRefresh    Action = "refresh"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionAdd, ActionSubtract, ActionSet, ActionInitialize, ActionRepair, ActionResetDaily, ActionRefresh,
}

// ParseAction validates an action name.
func ParseAction(raw string) (Action, error) {
	normalized := Action(strings.ToLower(strings.TrimSpace(raw)))
	for _, action := range Actions {
		if action == normalized {
			return action, nil
		}
	}
	return "", credits.Validationf("unknown action %q", raw)
}

// NeedsAmount reports whether the action requires an amount.
func (a Action) NeedsAmount() bool {
	return a == ActionAdd || a == ActionSubtract || a == ActionSet
}
