package dispatch

import (
	"context"
	"sync"
)

// lane serializes sends for one session
type lane struct {
	sem  chan struct{}
	refs int
}

// Lanes hands out one exclusive lane per session so that a session's pacing
// delays are measured between its own consecutive sends. Workers for other
// sessions are never blocked.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Acquire blocks until sessionID's lane is free or ctx ends. The returned
// func releases the lane and must be called exactly once.
func (l *Lanes) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	ln, ok := l.lanes[sessionID]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[sessionID] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(sessionID, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ln.sem
			l.drop(sessionID, ln)
		})
	}, nil
}

func (l *Lanes) drop(sessionID string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, sessionID)
	}
}

// Len counts sessions holding or waiting on a lane
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
