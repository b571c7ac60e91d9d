// Command talon-bench spins up an in-process httpremote.Server and a pool
// of Replicator clients writing concurrently to the same cells, then checks
// that every client's local view converges to the identical winning value,
// exercising convergence under concurrent multi-client writes at a
// configurable scale.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jaaco/talon/internal/adapters/httpremote"
	"github.com/Jaaco/talon/internal/replicator"
	"github.com/Jaaco/talon/internal/store"
)

func main() {
	clients := flag.Int("clients", 8, "number of concurrent replicator clients")
	writesPerClient := flag.Int("writes", 100, "writes issued by each client")
	cells := flag.Int("cells", 10, "distinct cells contended over")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	server := httpremote.NewServer(logger)
	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	const userID = "bench-user"
	repls := make([]*replicator.Replicator, *clients)
	locals := make([]*store.Memory, *clients)
	for i := range repls {
		remote := httpremote.NewClient(httpServer.URL, zap.NewNop())
		locals[i] = store.NewMemory(nil)
		repls[i] = replicator.New(userID, fmt.Sprintf("client-%d", i), locals[i], remote,
			replicator.NewUUIDGenerator(), replicator.ImmediateConfig(), zap.NewNop(), nil)
	}

	var totalWrites int64
	start := time.Now()

	var g errgroup.Group
	for i, r := range repls {
		i, r := i, r
		g.Go(func() error {
			ctx := context.Background()
			for w := 0; w < *writesPerClient; w++ {
				cell := w % *cells
				err := r.SaveChange(ctx, replicator.Change{
					Table:  "bench",
					Row:    fmt.Sprintf("row-%d", cell),
					Column: "value",
					Value:  fmt.Sprintf("client-%d-write-%d", i, w),
				})
				if err != nil {
					logger.Warn("save_change failed", zap.Error(err))
					continue
				}
				atomic.AddInt64(&totalWrites, 1)
			}
			return r.ForcePush(ctx)
		})
	}
	// ForcePush logs and absorbs remote failures itself and only returns an
	// error once disposed; the bench cares about convergence, not a clean exit.
	_ = g.Wait()

	// Drain: give every client a few rounds to pull what it missed.
	ctx := context.Background()
	for round := 0; round < 5; round++ {
		for _, r := range repls {
			_ = r.RunSync(ctx)
		}
		time.Sleep(50 * time.Millisecond)
	}

	converged := checkConvergence(locals, *cells)
	elapsed := time.Since(start)

	fmt.Printf("clients=%d writes_per_client=%d cells=%d total_writes=%d elapsed=%s\n",
		*clients, *writesPerClient, *cells, atomic.LoadInt64(&totalWrites), elapsed)
	if converged {
		fmt.Println("convergence: OK, every client agrees on every cell")
	} else {
		fmt.Println("convergence: FAILED")
		os.Exit(1)
	}

	for _, r := range repls {
		_ = r.Dispose(ctx)
	}
}

func checkConvergence(locals []*store.Memory, cells int) bool {
	for cell := 0; cell < cells; cell++ {
		row := fmt.Sprintf("row-%d", cell)
		var want string
		for i, local := range locals {
			_, value, ok := local.View("bench", row, "value")
			if !ok {
				return false
			}
			if i == 0 {
				want = value
			} else if value != want {
				return false
			}
		}
	}
	return true
}
