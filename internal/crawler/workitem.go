package crawler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Op names the operation a WorkItem performs.
type Op uint8

// Operations.
const (
	OpFetchItem Op = iota + 1
	OpFetchUser
)

func (o Op) String() string {
	switch o {
	case OpFetchItem:
		return "fetch-item"
	case OpFetchUser:
		return "fetch-user"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Handler implements the operations a WorkItem can dispatch to.
type Handler interface {
	FetchItem(ctx context.Context, id int) error
	FetchUser(ctx context.Context, name string) error
}

// WorkItem is an immutable unit of fetch work bound to one target id.
type WorkItem struct {
	op   Op
	item int
	user string
}

// NewFetchItem builds a fetch-item work item.
func NewFetchItem(id int) WorkItem {
	return WorkItem{op: OpFetchItem, item: id}
}

// NewFetchUser builds a fetch-user work item.
func NewFetchUser(name string) WorkItem {
	return WorkItem{op: OpFetchUser, user: name}
}

// Op returns the operation.
func (w WorkItem) Op() Op { return w.op }

// Key returns the record key the work item targets.
func (w WorkItem) Key() hn.Key {
	if w.op == OpFetchUser {
		return hn.UserKey(w.user)
	}
	return hn.ItemKey(w.item)
}

func (w WorkItem) String() string {
	return w.op.String() + "(" + w.Key().ID + ")"
}

// Execute runs the operation against h.
func (w WorkItem) Execute(ctx context.Context, h Handler) error {
	switch w.op {
	case OpFetchItem:
		return h.FetchItem(ctx, w.item)
	case OpFetchUser:
		return h.FetchUser(ctx, w.user)
	default:
		return fmt.Errorf("execute %s: unknown operation", w)
	}
}
