// Command casgc periodically evicts unpinned chunk-store entries to keep
// a station's disk footprint under its configured capacity. Grounded on
// the teacher's daemon/cmd/casgc (a small standalone binary wrapping the
// CAS's GC call on a timer) and daemon/service's StartCASGCLoop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
)

func main() {
	dbPath := flag.String("db", "chunkstore.db", "chunk store path")
	maxBytes := flag.Int64("max-bytes", 0, "store capacity to enforce (0 = unbounded)")
	interval := flag.Duration("interval", time.Hour, "how often to run a GC pass")
	flag.Parse()

	store, err := chunkstore.Open(*dbPath, *maxBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runPass(store)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPass(store)
		}
	}
}

func runPass(store *chunkstore.Store) {
	evicted := 0
	for store.Evict() {
		evicted++
	}
	fmt.Printf("casgc: evicted %d object(s)\n", evicted)
}
