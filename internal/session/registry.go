package session

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dennismeister93/switchboard/internal/launch"
	"github.com/dennismeister93/switchboard/internal/sandbox"
	"github.com/dennismeister93/switchboard/internal/store"
)

// Registry resolves (userID, sessionID) pairs to their Actor, creating one on
// demand. Actors live for the process lifetime; session metadata is never
// deleted. The registry also indexes executions so /ingest connections, which
// carry only an execution id, can find their owning actor.
type Registry struct {
	Store          *store.Store
	Sandbox        sandbox.Sandbox
	Builder        launch.Builder
	Ports          launch.PortAllocator
	Logger         *log.Logger
	StartupWait    time.Duration
	QueueMaxAge    time.Duration
	EventRetention time.Duration

	// NewWrapperClient overrides how actors reach wrapper HTTP APIs.
	// Nil means a default client against the wrapper's localhost port.
	NewWrapperClient func(port int) *sandbox.WrapperClient

	mu         sync.RWMutex
	actors     map[string]*Actor
	sessions   map[string]*Actor
	executions map[string]*Actor
}

func actorKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// ActorFor returns the actor owning the session, creating it if needed.
func (r *Registry) ActorFor(userID, sessionID string) *Actor {
	key := actorKey(userID, sessionID)

	r.mu.RLock()
	a, ok := r.actors[key]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[key]; ok {
		return a
	}

	a = &Actor{
		SessionID:      sessionID,
		UserID:         userID,
		Store:          r.Store,
		Sandbox:        r.Sandbox,
		Builder:        r.Builder,
		Ports:          r.Ports,
		Logger:         r.Logger,
		StartupWait:    r.StartupWait,
		QueueMaxAge:    r.QueueMaxAge,
		EventRetention: r.EventRetention,
	}
	a.newWrapperClient = r.NewWrapperClient
	a.onExecutionAdded = r.indexExecution
	if r.actors == nil {
		r.actors = map[string]*Actor{}
	}
	if r.sessions == nil {
		r.sessions = map[string]*Actor{}
	}
	r.actors[key] = a
	if _, taken := r.sessions[sessionID]; taken {
		// Session ids are globally unique by contract; keep the first owner
		// so an id reuse cannot reroute /stream lookups.
		if r.Logger != nil {
			r.Logger.Warn("session id already owned by another user, keeping first owner",
				"session_id", sessionID, "user_id", userID)
		}
	} else {
		r.sessions[sessionID] = a
	}
	return a
}

// LookupSessionID resolves an actor by session id alone. Session ids are
// globally unique, so stream clients do not need to carry the user id.
func (r *Registry) LookupSessionID(sessionID string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sessions[sessionID]
	return a, ok
}

// LookupSession returns an existing actor without creating one.
func (r *Registry) LookupSession(userID, sessionID string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[actorKey(userID, sessionID)]
	return a, ok
}

// LookupExecution finds the actor owning an execution id.
func (r *Registry) LookupExecution(executionID string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.executions[executionID]
	return a, ok
}

func (r *Registry) indexExecution(executionID string, a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executions == nil {
		r.executions = map[string]*Actor{}
	}
	r.executions[executionID] = a
}
