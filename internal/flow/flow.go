// Copyright 2025 James Ross
// Package flow builds multi-job dependency trees: a parent job that waits
// on a set of children, each carrying its own edge policy for how a child
// failure should propagate. Children may belong to different named queues;
// flow only needs a way to resolve a queue.Queue by name to wire them
// together.
package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/queue"
)

// QueueResolver returns the bound Queue for a queue name, shared across the
// process (producer, worker and flow all resolve against the same set).
type QueueResolver func(queueName string) (*queue.Queue, error)

// Node describes one job in a tree: its own queue/name/data/opts plus any
// nested Children. The root of a tree has no ParentRef; every non-root node
// is added as a child of its parent via queue.AddChild.
type Node struct {
	Queue    string
	Name     string
	Data     json.RawMessage
	Opts     job.Options
	Edge     job.EdgePolicy
	Children []Node
}

// Result mirrors the shape of Node after IDs have been assigned.
type Result struct {
	Queue    string
	Name     string
	JobID    string
	Children []Result
}

// Add creates every job in a tree. A node with children has its id reserved
// up front (via opts.JobID) so its children can carry a stable parent
// reference; its children are added first, and only once every child's
// qualified key is recorded in the parent's pending-children set is the
// parent job itself written — via AddParent, which routes it straight into
// waiting-children instead of a ready set. This ordering avoids a window
// where the parent exists with the wrong dependency count.
func Add(ctx context.Context, resolve QueueResolver, root Node) (*Result, error) {
	q, err := resolve(root.Queue)
	if err != nil {
		return nil, fmt.Errorf("flow: resolve queue %q: %w", root.Queue, err)
	}

	if len(root.Children) == 0 {
		id, err := q.Add(ctx, root.Name, root.Data, root.Opts)
		if err != nil {
			return nil, fmt.Errorf("flow: add root job: %w", err)
		}
		return &Result{Queue: root.Queue, Name: root.Name, JobID: id}, nil
	}

	id := root.Opts.JobID
	if id == "" {
		id = queue.NewLockToken()
		root.Opts.JobID = id
	}

	parentPendingKey := q.Keys().PendingChildren(id)
	self := job.ParentRef{ID: id, QueueKey: q.Keys().Prefix + ":" + q.Keys().Queue}

	children := make([]Result, 0, len(root.Children))
	for _, c := range root.Children {
		childResult, err := addChild(ctx, resolve, c, self, parentPendingKey)
		if err != nil {
			return nil, err
		}
		children = append(children, *childResult)
	}

	parentID, err := q.AddParent(ctx, root.Name, root.Data, root.Opts, len(root.Children))
	if err != nil {
		return nil, fmt.Errorf("flow: add parent job: %w", err)
	}

	return &Result{Queue: root.Queue, Name: root.Name, JobID: parentID, Children: children}, nil
}

// addChild adds n as a child of parent, reserving n's own id first when it
// in turn has children (making it both a child of parent and a parent of
// its own subtree). Its own children are added before it is, same as Add
// does for the root.
func addChild(ctx context.Context, resolve QueueResolver, n Node, parent job.ParentRef, parentPendingKey string) (*Result, error) {
	q, err := resolve(n.Queue)
	if err != nil {
		return nil, fmt.Errorf("flow: resolve queue %q: %w", n.Queue, err)
	}
	n.Opts.Edge = n.Edge

	if len(n.Children) == 0 {
		id, err := q.AddChild(ctx, n.Name, n.Data, n.Opts, parent, parentPendingKey, 0)
		if err != nil {
			return nil, fmt.Errorf("flow: add child job: %w", err)
		}
		return &Result{Queue: n.Queue, Name: n.Name, JobID: id}, nil
	}

	id := n.Opts.JobID
	if id == "" {
		id = queue.NewLockToken()
		n.Opts.JobID = id
	}

	ownPendingKey := q.Keys().PendingChildren(id)
	self := job.ParentRef{ID: id, QueueKey: q.Keys().Prefix + ":" + q.Keys().Queue}

	grandchildren := make([]Result, 0, len(n.Children))
	for _, gc := range n.Children {
		childResult, err := addChild(ctx, resolve, gc, self, ownPendingKey)
		if err != nil {
			return nil, err
		}
		grandchildren = append(grandchildren, *childResult)
	}

	childID, err := q.AddChild(ctx, n.Name, n.Data, n.Opts, parent, parentPendingKey, len(n.Children))
	if err != nil {
		return nil, fmt.Errorf("flow: add child-with-children job: %w", err)
	}

	return &Result{Queue: n.Queue, Name: n.Name, JobID: childID, Children: grandchildren}, nil
}
