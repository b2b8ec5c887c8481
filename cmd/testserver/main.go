// testserver starts a walker API server with the stub adapter and an
// in-memory database for end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/walker/internal/adapter"
	"github.com/seantiz/walker/internal/adapter/stub"
	"github.com/seantiz/walker/internal/api"
	"github.com/seantiz/walker/internal/auth"
	"github.com/seantiz/walker/internal/engine"
	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/service"
	"github.com/seantiz/walker/internal/store"
)

const defaultSecret = "testserver-secret"

func main() {
	addr := ":8080"
	if v := os.Getenv("WALKER_LISTEN_ADDR"); v != "" {
		addr = v
	}
	secret := defaultSecret
	if v := os.Getenv("WALKER_JWT_SECRET"); v != "" {
		secret = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := adapter.NewRegistry()
	reg.Register(&stub.Adapter{
		Delay: 500 * time.Millisecond,
		// 10.0.0.13 always fails so e2e runs see a non-zero aggregate.
		Fail: map[string]bool{"10.0.0.13": true},
		// 10.0.0.99 is never reported, exercising synthesized failures.
		Omit: map[string]bool{"10.0.0.99": true},
		Output: func(host string, p adapter.Payload) string {
			return fmt.Sprintf("%s: %s\nok", host, p.Text)
		},
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.New(db, reg, logger, engine.Options{
		ResolveCredential: func(ref string) (adapter.Credential, error) {
			return adapter.Credential{Ref: ref, Fingerprint: "SHA256:testserver"}, nil
		},
	})
	waiter := engine.NewWaiter(db, eng.Notifier(), engine.DefaultPollInterval, logger)
	svc := service.New(db, eng, waiter, logger, 5*time.Second)
	srv := api.NewServer(api.Config{
		Addr:        addr,
		JWTSecret:   []byte(secret),
		WaitTimeout: 5 * time.Second,
	}, svc, reg, eng.Notifier(), logger)

	token, err := auth.IssueToken([]byte(secret), model.Identity{UserID: "dev", Name: "Developer"}, 24*time.Hour)
	if err != nil {
		log.Fatalf("issue dev token: %v", err)
	}

	logger.Info("testserver: starting", "addr", addr, "token", token)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
