package launch

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

func testBuilder() Builder {
	tokens := 0
	return Builder{
		WrapperBinary: "/usr/local/bin/switchboard-wrapper",
		AgentBinary:   "/usr/local/bin/kilocode",
		IngestBaseURL: "http://127.0.0.1:8080",
		NewIngestToken: func() (string, error) {
			tokens++
			return "tok-" + strconv.Itoa(tokens), nil
		},
	}
}

func testSessionInfo() SessionInfo {
	return SessionInfo{
		SessionID:    "sess_abc",
		UserID:       "user-1",
		Workspace:    "/workspace/repo",
		GitURL:       "https://example.com/org/repo.git",
		GitToken:     "git-original",
		AgentToken:   "agent-original",
		DefaultMode:  "code",
		DefaultModel: "gpt-large",
		Secrets:      map[string]string{"API_KEY": "shh"},
	}
}

func TestBuildFirstRunPrepares(t *testing.T) {
	plan, err := testBuilder().Build(StartRequest{
		Kind:        KindInitiate,
		ExecutionID: "exec_1",
		Prompt:      "fix the bug",
	}, testSessionInfo())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !plan.ShouldPrepare {
		t.Fatal("first initiate should prepare the workspace")
	}
	if plan.Prepare == nil || plan.Prepare.GitURL != "https://example.com/org/repo.git" {
		t.Fatalf("prepare context missing git url: %+v", plan.Prepare)
	}
	if plan.Mode != "code" || plan.Model != "gpt-large" {
		t.Fatalf("defaults not applied: mode=%q model=%q", plan.Mode, plan.Model)
	}
	if plan.StreamingMode != "live" {
		t.Fatalf("streaming mode default: got %q", plan.StreamingMode)
	}
	if plan.IngestToken == "" {
		t.Fatal("plan missing ingest token")
	}
	if want := "/workspace/repo/.switchboard/prompts/exec_1.md"; plan.PromptPath != want {
		t.Fatalf("prompt path: got %q, want %q", plan.PromptPath, want)
	}
}

func TestBuildSkipsPrepareWhenInitiated(t *testing.T) {
	info := testSessionInfo()
	info.Initiated = true

	for _, kind := range []RequestKind{KindInitiate, KindInitiatePrepared, KindFollowup} {
		plan, err := testBuilder().Build(StartRequest{Kind: kind, ExecutionID: "exec_2", Prompt: "p"}, info)
		if err != nil {
			t.Fatalf("Build(%s): %v", kind, err)
		}
		if plan.ShouldPrepare {
			t.Fatalf("kind %s on initiated session should not prepare", kind)
		}
		if plan.Prepare != nil {
			t.Fatalf("kind %s carried a prepare context", kind)
		}
	}
}

func TestBuildTokenOverridesDoNotMutateInput(t *testing.T) {
	info := testSessionInfo()
	plan, err := testBuilder().Build(StartRequest{
		Kind:        KindInitiate,
		ExecutionID: "exec_3",
		Prompt:      "p",
		Overrides:   TokenOverrides{GitToken: "git-new", AgentToken: "agent-new"},
	}, info)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if plan.Prepare.GitToken != "git-new" {
		t.Fatalf("git token override not applied: %q", plan.Prepare.GitToken)
	}
	if plan.AgentToken != "agent-new" {
		t.Fatalf("agent token override not applied: %q", plan.AgentToken)
	}
	if info.GitToken != "git-original" || info.AgentToken != "agent-original" {
		t.Fatal("Build mutated caller's session info")
	}
}

func TestBuildExplicitModeAndModelWin(t *testing.T) {
	plan, err := testBuilder().Build(StartRequest{
		Kind:        KindFollowup,
		ExecutionID: "exec_4",
		Prompt:      "p",
		Mode:        "architect",
		Model:       "gpt-small",
	}, testSessionInfo())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.Mode != "architect" || plan.Model != "gpt-small" {
		t.Fatalf("explicit values lost: mode=%q model=%q", plan.Mode, plan.Model)
	}
}

func TestBuildValidation(t *testing.T) {
	b := testBuilder()

	if _, err := b.Build(StartRequest{Kind: KindInitiate, Prompt: "p"}, testSessionInfo()); err == nil {
		t.Fatal("missing execution id should fail")
	}
	if _, err := b.Build(StartRequest{Kind: KindInitiate, ExecutionID: "e", Prompt: "p"}, SessionInfo{}); err == nil {
		t.Fatal("missing session id should fail")
	}
	b.NewIngestToken = nil
	if _, err := b.Build(StartRequest{Kind: KindInitiate, ExecutionID: "e", Prompt: "p"}, testSessionInfo()); err == nil {
		t.Fatal("missing token source should fail")
	}
}

func TestWrapperCommandCarriesMarkers(t *testing.T) {
	b := testBuilder()
	plan, err := b.Build(StartRequest{Kind: KindInitiate, ExecutionID: "exec_5", Prompt: "p"}, testSessionInfo())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cmdline := strings.Join(b.WrapperCommand(plan, 42123), " ")
	if markerValue(cmdline, SessionMarker) != "sess_abc" {
		t.Fatalf("command line missing session marker: %s", cmdline)
	}
	port, ok := parsePortMarker(cmdline)
	if !ok || port != 42123 {
		t.Fatalf("command line missing port marker: %s", cmdline)
	}
	if markerValue(cmdline, "--user") != "user-1" {
		t.Fatalf("command line missing user: %s", cmdline)
	}
	if markerValue(cmdline, "--ingest-token") != plan.IngestToken {
		t.Fatalf("command line missing ingest token: %s", cmdline)
	}
}

func TestWrapperEnvIncludesSecrets(t *testing.T) {
	b := testBuilder()
	plan, err := b.Build(StartRequest{Kind: KindInitiate, ExecutionID: "exec_6", Prompt: "p"}, testSessionInfo())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	env := b.WrapperEnv(plan)
	if env["SWITCHBOARD_SESSION_ID"] != "sess_abc" || env["SWITCHBOARD_EXECUTION_ID"] != "exec_6" {
		t.Fatalf("env missing identity: %v", env)
	}
	if env["API_KEY"] != "shh" {
		t.Fatalf("env missing secrets on first run: %v", env)
	}
	if env["AGENT_API_TOKEN"] != "agent-original" {
		t.Fatalf("env missing agent token: %v", env)
	}
}

func TestPlanRoundTripsJSON(t *testing.T) {
	plan, err := testBuilder().Build(StartRequest{Kind: KindInitiate, ExecutionID: "exec_7", Prompt: "hello"}, testSessionInfo())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	var decoded Plan
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if decoded.ExecutionID != plan.ExecutionID || decoded.IngestToken != plan.IngestToken {
		t.Fatalf("plan did not survive round trip: %+v", decoded)
	}
	if decoded.Prepare == nil || decoded.Prepare.GitURL != plan.Prepare.GitURL {
		t.Fatalf("prepare context lost: %+v", decoded.Prepare)
	}
}
