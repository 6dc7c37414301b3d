package session

import "time"

// Metadata is the durable per-(user, session) record. It is created by
// Prepare, stamped by TryInitiate, and mutated afterwards only by token
// overrides and by branch capture from completion events. It is never
// deleted while the actor lives.
type Metadata struct {
	Version        int               `json:"version"`
	SessionID      string            `json:"sessionId"`
	UserID         string            `json:"userId"`
	OrgID          string            `json:"orgId,omitempty"`
	BotID          string            `json:"botId,omitempty"`
	Workspace      string            `json:"workspace"`
	GitURL         string            `json:"gitUrl,omitempty"`
	GitToken       string            `json:"-"`
	AgentToken     string            `json:"-"`
	Secrets        map[string]string `json:"-"`
	SetupCommands  []string          `json:"setupCommands,omitempty"`
	DefaultMode    string            `json:"defaultMode,omitempty"`
	DefaultModel   string            `json:"defaultModel,omitempty"`
	DefaultPrompt  string            `json:"defaultPrompt,omitempty"`
	PreparedAt     *time.Time        `json:"preparedAt,omitempty"`
	InitiatedAt    *time.Time        `json:"initiatedAt,omitempty"`
	UpstreamBranch string            `json:"upstreamBranch,omitempty"`
	KiloSessionID  string            `json:"kiloSessionId,omitempty"`
}

// Initiated reports whether the session's workspace has been initialized.
func (m Metadata) Initiated() bool {
	return m.InitiatedAt != nil
}
