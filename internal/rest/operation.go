package rest

import (
	"github.com/maruel/datarest/internal/docstore"
)

// Action is the kind of write requested for a line.
type Action string

// Actions accepted in _action.
const (
	ActionCreate         Action = "create"
	ActionUpdate         Action = "update"
	ActionCreateOrUpdate Action = "createOrUpdate"
	ActionPatch          Action = "patch"
	ActionDelete         Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionCreateOrUpdate, ActionPatch, ActionDelete:
		return true
	}
	return false
}

// State tracks an operation through the passes of a transaction.
type State int

// Operation states.
const (
	// Pending operations still go to the next pass.
	Pending State = iota
	// Resolved operations have their final status. They are written when the
	// status is below 300.
	Resolved
	// Failed operations carry an error and are never written.
	Failed
)

// Operation is one line write inside a transaction.
type Operation struct {
	ID     string
	Action Action
	// Body is the user-controlled content that is validated and hashed.
	Body docstore.Document
	// FullBody is Body plus the bookkeeping fields, as persisted.
	FullBody docstore.Document
	// Filter selects the stored line, restricted to the owner.
	Filter docstore.Filter
	State  State
	Status int
	Error  string
}

func (op Operation) resolve(status int) Operation {
	op.State = Resolved
	op.Status = status
	return op
}

func (op Operation) fail(status int, msg string) Operation {
	op.State = Failed
	op.Status = status
	op.Error = msg
	return op
}

// Failed reports whether the operation was rejected.
func (op *Operation) Failed() bool {
	return op.State == Failed || op.Status >= 500
}

// writable reports whether the operation goes to the write pass.
func (op *Operation) writable() bool {
	return op.State != Failed && op.Status < 300
}

// Line returns the persisted line with the operation fields.
func (op *Operation) Line() docstore.Document {
	line := op.FullBody.Clone()
	line[docstore.IDField] = op.ID
	line[fieldAction] = string(op.Action)
	if op.Status != 0 {
		line[fieldStatus] = op.Status
	}
	if op.Error != "" {
		line[fieldError] = op.Error
	}
	return line
}
