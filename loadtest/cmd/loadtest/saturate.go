package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/socket-chat/loadtest/client"
	"github.com/whisper/socket-chat/loadtest/stats"
)

// runSaturate opens the requested number of authenticated connections,
// ramping up over a configurable duration, then holds them open while
// watching for drops. It finds the connection capacity of a single server.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001", "Server base URL")
	secret := fs.String("secret", os.Getenv("AUTH_SECRET"), "Session token secret (AUTH_SECRET of the server)")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	minter, err := newTokenMinter(*secret, "session-token")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	progress := startProgress(time.Second, func() {
		fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
			collector.ConnectionCount(), *connections, collector.ErrorCount())
	})

	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(ctx context.Context) {
		_, token, err := minter.user()
		if err != nil {
			collector.AddError()
			return
		}
		c, err := client.New(ctx, client.Options{URL: *url, Token: token})
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	progress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := aliveCount(clients, &mu)
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients, &mu)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	scraper.Stop()
	collector.Report(os.Stdout)
}

// ramp calls connect total times, spread evenly over the ramp duration with
// at most concurrency attempts in flight. It reports whether ctx ended first.
func ramp(ctx context.Context, total int, rampUp time.Duration, concurrency int, connect func(ctx context.Context)) bool {
	interval := rampUp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for launched := 0; launched < total && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				connect(connCtx)
			}()
		}
	}
	wg.Wait()
	return interrupted
}

// startProgress runs report every interval until the returned stop function
// is called.
func startProgress(interval time.Duration, report func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func aliveCount(clients []*client.Client, mu *sync.Mutex) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		if !c.GetMetrics().Disconnected {
			alive++
		}
	}
	return alive
}

func closeAll(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
