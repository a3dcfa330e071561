// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

// Package session provides the high-level CMIT client: request models,
// transport adapters with connection pooling, and a Session that routes
// request locators to adapters by longest registered prefix.
//
// Basic usage:
//
//	s := session.New()
//	defer s.Close()
//
//	rsp, err := s.Ping("cmit://tmp/echo.sock")
//	if err != nil {
//	   log.Fatalf("Ping failed: %v", err)
//	}
//	fmt.Println(rsp.StatusCode, rsp.Elapsed)
//
// For one-shot use the package-level verbs construct and close a session
// internally:
//
//	rsp, err := session.Execute("cmit://tmp/echo.sock", "a.b.c", nil, nil, nil)
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// A RoutingError reports that no mounted adapter matches a request
// locator.
type RoutingError struct {
	Target string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no adapter found for target %q", e.Target)
}

type mount struct {
	prefix  string
	adapter Adapter
}

// A Session routes request locators to transport adapters and issues
// exchanges through them. The mount table is ordered: lookup returns the
// first entry whose prefix matches the locator case-insensitively, and
// registration keeps longer prefixes ahead of shorter ones so a shorter
// prefix never shadows a longer one.
type Session struct {
	mu     sync.Mutex
	mounts []mount
}

// New constructs a Session with default socket adapters mounted for the
// cmit:// and unix:// schemes.
func New() *Session {
	s := new(Session)
	s.Mount("cmit://", NewAdapter())
	s.Mount("unix://", NewAdapter())
	return s
}

// Mount registers adapter under prefix, replacing any adapter already
// mounted at that exact prefix, and re-sorts the table so that shorter
// prefixes sort after longer ones.
func (s *Session) Mount(prefix string, adapter Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mounts {
		if m.prefix == prefix {
			s.mounts[i].adapter = adapter
			return
		}
	}
	s.mounts = append(s.mounts, mount{prefix: prefix, adapter: adapter})
	sort.SliceStable(s.mounts, func(i, j int) bool {
		return len(s.mounts[i].prefix) > len(s.mounts[j].prefix)
	})
}

// adapterFor returns the first mounted adapter whose prefix matches the
// locator, case-insensitively.
func (s *Session) adapterFor(target string) (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := strings.ToLower(target)
	for _, m := range s.mounts {
		if strings.HasPrefix(t, strings.ToLower(m.prefix)) {
			return m.adapter, nil
		}
	}
	return nil, &RoutingError{Target: target}
}

// Send transmits a prepared request through the adapter mounted for its
// locator, timing the dispatch end-to-end into the response's Elapsed
// field.
func (s *Session) Send(prep *PreparedRequest) (*Response, error) {
	adapter, err := s.adapterFor(prep.Target)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rsp, err := adapter.Send(prep)
	if err != nil {
		return nil, err
	}
	rsp.Elapsed = time.Since(start)
	return rsp, nil
}

// Do builds, prepares, and sends one request.
func (s *Session) Do(command, target string, topic, data any, args []any, kwargs map[string]any) (*Response, error) {
	req := &Request{Command: command, Target: target, Topic: topic, Data: data, Args: args, KWArgs: kwargs}
	prep, err := req.Prepare()
	if err != nil {
		return nil, err
	}
	return s.Send(prep)
}

// Ping checks that the server at target is responsive.
func (s *Session) Ping(target string) (*Response, error) {
	return s.Do("PING", target, "ping", nil, nil, nil)
}

// Execute submits a task for topic at target.
func (s *Session) Execute(target string, topic, data any, args []any, kwargs map[string]any) (*Response, error) {
	return s.Do("EXECUTE", target, topic, data, args, kwargs)
}

// Poll queries the status of topic at target.
func (s *Session) Poll(target string, topic any) (*Response, error) {
	return s.Do("POLL", target, topic, nil, nil, nil)
}

// Close closes all mounted adapters. The first error encountered is
// returned, but every adapter is closed regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, m := range s.mounts {
		errs = append(errs, m.adapter.Close())
	}
	return errors.Join(errs...)
}

// Do issues a one-shot request through a fresh session.
func Do(command, target string, topic, data any, args []any, kwargs map[string]any) (*Response, error) {
	s := New()
	defer s.Close()
	return s.Do(command, target, topic, data, args, kwargs)
}

// Ping issues a one-shot PING through a fresh session.
func Ping(target string) (*Response, error) {
	s := New()
	defer s.Close()
	return s.Ping(target)
}

// Execute issues a one-shot EXECUTE through a fresh session.
func Execute(target string, topic, data any, args []any, kwargs map[string]any) (*Response, error) {
	s := New()
	defer s.Close()
	return s.Execute(target, topic, data, args, kwargs)
}

// Poll issues a one-shot POLL through a fresh session.
func Poll(target string, topic any) (*Response, error) {
	s := New()
	defer s.Close()
	return s.Poll(target, topic)
}
