package chore

import (
	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/model"
)

// Action is a caller request that moves a task between lifecycle statuses.
type Action string

const (
	ActionClaim    Action = "claim"
	ActionComplete Action = "complete"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelete   Action = "delete"
)

// StatusDeleted is the pseudo-status a task reaches when it is removed.
const StatusDeleted model.TaskStatus = "deleted"

// target is the status each action moves a task to.
var target = map[Action]model.TaskStatus{
	ActionClaim:    model.TaskInProgress,
	ActionComplete: model.TaskPendingApproval,
	ActionApprove:  model.TaskCompleted,
	ActionReject:   model.TaskInProgress,
	ActionDelete:   StatusDeleted,
}

// legal lists the statuses each action may start from.
var legal = map[Action][]model.TaskStatus{
	ActionClaim:    {model.TaskAvailable},
	ActionComplete: {model.TaskInProgress},
	ActionApprove:  {model.TaskPendingApproval},
	ActionReject:   {model.TaskPendingApproval},
	ActionDelete:   {model.TaskAvailable, model.TaskInProgress, model.TaskPendingApproval},
}

// Next returns the status reached by applying action to a task in from, or an
// InvalidState error carrying the (from, requested) pair.
func Next(from model.TaskStatus, action Action) (model.TaskStatus, error) {
	to, ok := target[action]
	if !ok {
		return "", apperr.InvalidRequest(string(action), "unknown task action")
	}
	for _, s := range legal[action] {
		if s == from {
			return to, nil
		}
	}
	return "", apperr.InvalidState(string(action), string(from), string(to))
}

// pastTense names the feed and metrics event for a completed action.
func pastTense(a Action) string {
	switch a {
	case ActionClaim:
		return "claimed"
	case ActionComplete:
		return "completed"
	case ActionApprove:
		return "approved"
	case ActionReject:
		return "rejected"
	case ActionDelete:
		return "deleted"
	}
	return string(a)
}
