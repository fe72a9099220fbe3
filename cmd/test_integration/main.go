package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/client"
	"github.com/agenthands/verity/internal/config"
	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/push"
	"github.com/agenthands/verity/internal/remote"
)

// Runs against a live verity-server. SMOKE_TEAM_ID must name a team created
// with `verity-server seed`.
func main() {
	_ = godotenv.Load()
	cfg := config.Defaults()
	if err := cfg.ApplyEnv(); err != nil {
		fail("config", err)
	}
	teamID := os.Getenv("SMOKE_TEAM_ID")
	if teamID == "" {
		fail("config", fmt.Errorf("SMOKE_TEAM_ID is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Println("Starting Integration Test...")

	// 1. Two sessions
	fmt.Println("1. Opening sessions...")
	remoteCfg := remote.Config{
		BaseURL: cfg.Client.BaseURL,
		Breaker: remote.BreakerConfig{
			MinRequests:  cfg.Client.Breaker.MinRequests,
			FailureRatio: cfg.Client.Breaker.FailureRatio,
			Timeout:      cfg.Client.Breaker.Timeout.Duration,
		},
	}
	alice := remote.New(remoteCfg)
	aliceInfo, err := alice.CreateSession(ctx, "alice")
	if err != nil {
		fail("open sessions", err)
	}
	bob := remote.New(remoteCfg)
	bobInfo, err := bob.CreateSession(ctx, "bob")
	if err != nil {
		fail("open sessions", err)
	}
	pass("open sessions")

	// 2. Bob listens
	fmt.Println("2. Connecting push link...")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bobInfo.Token)
	connected := make(chan struct{}, 1)
	link := push.NewClient(push.ClientConfig{
		URL:    cfg.Client.PushURL,
		Header: header,
		OnState: func(s push.State) {
			if s == push.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	}, zap.NewNop())
	adapter := push.NewAdapter(link, nil)
	go func() { _ = link.Run(ctx, adapter) }()
	select {
	case <-connected:
	case <-ctx.Done():
		fail("connect push link", ctx.Err())
	}
	pass("connect push link")

	aliceSession, err := client.NewSession(client.Config{
		SessionID:      aliceInfo.SessionID,
		UserID:         "alice",
		Remote:         alice,
		Push:           push.NewAdapter(nil, nil),
		GraphCacheSize: cfg.Client.Cache.GraphEntries,
	})
	if err != nil {
		fail("sessions", err)
	}
	bobSession, err := client.NewSession(client.Config{
		SessionID:      bobInfo.SessionID,
		UserID:         "bob",
		Remote:         bob,
		Push:           adapter,
		GraphCacheSize: cfg.Client.Cache.GraphEntries,
	})
	if err != nil {
		fail("sessions", err)
	}

	// 3. Alice edits, Bob sees it
	fmt.Println("3. Editing a task...")
	created, err := alice.CreateEntity(ctx, teamID, model.Entity{
		Type:   model.TypeTask,
		Fields: map[string]string{"label": "Who is in this photo?", "type": "free_text"},
	})
	if err != nil {
		fail("create task", err)
	}
	bobWatch, err := bobSession.Watch(*created)
	if err != nil {
		fail("watch task", err)
	}
	// Let the hub register the subscribe frame.
	time.Sleep(500 * time.Millisecond)

	aliceWatch, err := aliceSession.Watch(*created)
	if err != nil {
		fail("watch task", err)
	}
	_, done, err := aliceSession.UpdateTask(ctx, aliceWatch, "Who is this?", "Front page photo")
	if err != nil {
		fail("edit task", err)
	}
	if err := <-done; err != nil {
		fail("edit task", err)
	}
	if !eventually(ctx, func() bool { return bobWatch.Entity().Fields["label"] == "Who is this?" }) {
		fail("edit task", fmt.Errorf("bob never saw the new label"))
	}
	pass("edit task")

	// 4. Project announcement
	fmt.Println("4. Creating a project...")
	teamWatch, err := bobSession.WatchTeam(ctx, teamID)
	if err != nil {
		fail("watch team", err)
	}
	time.Sleep(500 * time.Millisecond)
	project, err := alice.CreateEntity(ctx, teamID, model.Entity{Type: model.TypeProject, Fields: map[string]string{"title": "Elections"}})
	if err != nil {
		fail("create project", err)
	}
	if !eventually(ctx, func() bool {
		for _, id := range teamWatch.Projects() {
			if id == project.ID {
				return true
			}
		}
		return false
	}) {
		fail("create project", fmt.Errorf("bob never heard about project %s", project.ID))
	}
	pass("create project")

	_ = aliceSession.Close()
	_ = bobSession.Close()
	_ = teamWatch.Close()
}

func eventually(ctx context.Context, cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return cond()
}

func pass(step string) {
	fmt.Println("PASSED: " + step)
}

func fail(step string, err error) {
	fmt.Printf("FAILED: %s: %v\n", step, err)
	os.Exit(1)
}
