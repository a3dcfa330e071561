// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

// Package queue provides a concurrency-safe task queue store and
// queue-backed EXECUTE and POLL handlers for a CMIT server.
//
// The protocol core keeps no state shared across connections; a Store is
// the external collaborator that does, guarding a route-to-tasks map with
// its own lock so that handlers running on concurrent connections can
// share it safely.
package queue

import (
	"sync"

	"github.com/cmitproto/cmit"
)

// A Task is one unit of work registered under a route.
type Task struct {
	Route  string         // the topic the task was submitted under
	ID     string         // the id of the submitting message
	Args   []any          // positional arguments, if any
	KWArgs map[string]any // keyword arguments, if any
	Data   any            // request data, if any
}

// A Store is a mapping from route to its pending tasks, safe for
// concurrent use.
type Store struct {
	mu     sync.Mutex
	queues map[string][]Task
}

// NewStore constructs an empty store.
func NewStore() *Store { return &Store{queues: make(map[string][]Task)} }

// Register appends t to the queue for its route.
func (s *Store) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[t.Route] = append(s.queues[t.Route], t)
}

// Depth reports the number of tasks pending for route.
func (s *Store) Depth(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[route])
}

// Take removes and returns the oldest task pending for route. It reports
// false if the queue for route is empty.
func (s *Store) Take(route string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[route]
	if len(q) == 0 {
		return Task{}, false
	}
	t := q[0]
	s.queues[route] = q[1:]
	return t, true
}

// Routes reports the routes that currently have pending tasks.
func (s *Store) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for route, q := range s.queues {
		if len(q) != 0 {
			out = append(out, route)
		}
	}
	return out
}

// Handlers returns EXECUTE and POLL handlers backed by st. EXECUTE
// registers the request as a task under its topic and answers 202
// Accepted; POLL answers 200 OK with the queue depth for the topic.
func Handlers(st *Store) (execute, poll cmit.Handler) {
	execute = func(req *cmit.Request) (cmit.Status, *cmit.Message, error) {
		t := Task{Route: req.Msg.Topic(), ID: req.Msg.ID()}
		if body, ok := req.Msg.PayloadValue().(map[string]any); ok {
			if args, ok := body["args"].([]any); ok {
				t.Args = args
			}
			if kw, ok := body["kwargs"].(map[string]any); ok {
				t.KWArgs = kw
			}
			t.Data = body["data"]
		}
		st.Register(t)

		m, err := cmit.NewMessage(req.Msg.Topic(), req.Msg.ID())
		if err != nil {
			return 0, nil, err
		}
		m.SetPayload(map[string]any{"res": "Processed"})
		return cmit.StatusAccepted, m, nil
	}
	poll = func(req *cmit.Request) (cmit.Status, *cmit.Message, error) {
		m, err := cmit.NewMessage(req.Msg.Topic(), req.Msg.ID())
		if err != nil {
			return 0, nil, err
		}
		m.SetPayload(map[string]any{"depth": st.Depth(req.Msg.Topic())})
		return cmit.StatusOK, m, nil
	}
	return execute, poll
}
