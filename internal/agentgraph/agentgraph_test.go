package agentgraph

import (
	"context"
	"testing"
	"time"

	"github.com/strixsec/strix/internal/agentmodel"
)

type fakeBinder struct{}

func (fakeBinder) RegisterAgent(ctx context.Context, sandboxID, agentID string) (string, error) {
	return "worker-" + agentID, nil
}

func TestSpawnSendReceive(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")

	res, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.WorkerID != "worker-child-1" {
		t.Fatalf("unexpected worker id: %q", res.WorkerID)
	}

	if err := g.Send("root", "child-1", "go recon the target"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := g.Receive("child-1")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "go recon the target" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if msgs, _ := g.Receive("child-1"); len(msgs) != 0 {
		t.Fatalf("expected no unread messages left, got %+v", msgs)
	}
}

func TestFinishRefusedWithUnreadMessages(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := g.Send("root", "child-1", "status?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := g.Finish("child-1"); err == nil {
		t.Fatal("expected Finish to be refused while unread messages remain")
	}

	if _, err := g.Receive("child-1"); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := g.Finish("child-1"); err != nil {
		t.Fatalf("expected Finish to succeed once drained, got: %v", err)
	}
}

func TestVerifierCannotSpawnChildren(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindVerifier, "verifier-1"); err != nil {
		t.Fatalf("Spawn verifier: %v", err)
	}

	if _, err := g.Spawn(context.Background(), "verifier-1", agentmodel.KindChild, "child-of-verifier"); err == nil {
		t.Fatal("expected verifier spawn to be refused")
	}
}

func TestCycleRejected(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := g.Spawn(context.Background(), "child-1", agentmodel.KindChild, "grandchild-1"); err != nil {
		t.Fatalf("Spawn grandchild: %v", err)
	}

	if _, err := g.Spawn(context.Background(), "grandchild-1", agentmodel.KindChild, "root"); err == nil {
		t.Fatal("expected spawning an existing ancestor id to be rejected")
	}
}

func TestWaitReturnsOnMessage(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan []agentmodel.AgentMessage, 1)
	go func() {
		msgs, _ := g.Wait(context.Background(), "child-1", 2*time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	if err := g.Send("root", "child-1", "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msgs := <-done:
		if len(msgs) != 1 || msgs[0].Body != "ping" {
			t.Fatalf("unexpected messages from Wait: %+v", msgs)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Wait did not return after message was sent")
	}
}

func TestWaitTimesOut(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	msgs, err := g.Wait(context.Background(), "child-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages on timeout, got %+v", msgs)
	}
}

func TestSharedWorkspaceAndProxyHistoryVisibleAcrossFamily(t *testing.T) {
	g := New("sandbox-1", fakeBinder{}, "root")
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-1"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := g.Spawn(context.Background(), "root", agentmodel.KindChild, "child-2"); err != nil {
		t.Fatalf("Spawn sibling: %v", err)
	}

	g.AppendWorkspace("child-1", "/workspace/notes.txt", "recon notes")
	g.AppendProxyHistory(ProxyEntry{AgentID: "child-1", Method: "GET", URL: "http://target/login", StatusCode: 200})

	if entries := g.Workspace(); len(entries) != 1 || entries[0].AgentID != "child-1" {
		t.Fatalf("expected child-2 to see child-1's workspace append, got %+v", entries)
	}
	if entries := g.ProxyHistory(); len(entries) != 1 {
		t.Fatalf("expected shared proxy history to contain one entry, got %+v", entries)
	}
}
