package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/socket-chat/loadtest/client"
	"github.com/whisper/socket-chat/loadtest/stats"
)

// participant is one side of a chatting pair.
type participant struct {
	userID string
	conn   *client.Client
}

// chatCounters are shared by every pair.
type chatCounters struct {
	sent      atomic.Int64
	acked     atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
}

// runChat connects pairs of users and has each side send direct messages to
// the other at a fixed interval. It measures ack latency (emit to
// acknowledgement) and delivery latency (message creation to the partner's
// add event).
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001", "Server base URL")
	secret := fs.String("secret", os.Getenv("AUTH_SECRET"), "Session token secret (AUTH_SECRET of the server)")
	pairs := fs.Int("pairs", 100, "Number of chatting user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	typing := fs.Bool("typing", true, "Send isTyping before every message")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	minter, err := newTokenMinter(*secret, "session-token")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	totalClients := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	var mu sync.Mutex
	participants := make([]participant, 0, totalClients)
	clients := make([]*client.Client, 0, totalClients)

	progress := startProgress(2*time.Second, func() {
		fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
			collector.ConnectionCount(), totalClients, collector.ErrorCount())
	})
	rampStart := time.Now()
	interrupted := ramp(ctx, totalClients, *rampUp, *concurrency, func(ctx context.Context) {
		userID, token, err := minter.user()
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
		participants = append(participants, participant{userID: userID, conn: c})
		clients = append(clients, c)
		mu.Unlock()
	})
	progress()

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		len(participants), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	actualPairs := len(participants) / 2
	if interrupted || actualPairs == 0 {
		fmt.Println("Not enough connections for a chat phase.")
		closeAll(clients, &mu)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", actualPairs)

	var counters chatCounters
	payload := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]

	chatProgress := startProgress(5*time.Second, func() {
		fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  acked: %d  rejected: %d  delivered: %d\n",
			counters.active.Load(), counters.completed.Load(), actualPairs,
			counters.sent.Load(), counters.acked.Load(), counters.rejected.Load(), counters.delivered.Load())
	})

	chatStart := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < actualPairs; i++ {
		a, b := participants[2*i], participants[2*i+1]
		for _, side := range [][2]participant{{a, b}, {b, a}} {
			watchDeliveries(side[0], side[1].userID, collector, &counters)
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer counters.completed.Add(1)
			counters.active.Add(1)
			defer counters.active.Add(-1)

			// Stagger pair start so the first messages do not arrive together.
			select {
			case <-time.After(time.Duration(i%50) * 20 * time.Millisecond):
			case <-ctx.Done():
				return
			}

			pairCtx, cancel := context.WithTimeout(ctx, *chatDuration)
			defer cancel()
			var sides sync.WaitGroup
			sides.Add(2)
			go func() {
				defer sides.Done()
				chatLoop(pairCtx, a, b.userID, payload, *msgInterval, *typing, collector, &counters)
			}()
			go func() {
				defer sides.Done()
				chatLoop(pairCtx, b, a.userID, payload, *msgInterval, *typing, collector, &counters)
			}()
			sides.Wait()
		}(i)
	}
	wg.Wait()
	chatProgress()

	elapsed := time.Since(chatStart)
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Messages sent:      %d\n", counters.sent.Load())
	fmt.Printf("Messages acked:     %d\n", counters.acked.Load())
	fmt.Printf("Messages rejected:  %d\n", counters.rejected.Load())
	fmt.Printf("Messages delivered: %d\n", counters.delivered.Load())
	fmt.Printf("Chat duration:      %s\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("Msg throughput:     %.1f msg/s\n", float64(counters.acked.Load())/secs)
	}

	closeAll(clients, &mu)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// watchDeliveries records the partner's messages arriving at p.
func watchDeliveries(p participant, partnerID string, collector *stats.Collector, counters *chatCounters) {
	p.conn.On("add", func(args []interface{}) {
		if len(args) == 0 {
			return
		}
		msg, ok := args[0].(map[string]interface{})
		if !ok || msg["senderId"] != partnerID || msg["receiverId"] != p.userID {
			return
		}
		counters.delivered.Add(1)
		if createdAt, ok := msg["createdAt"].(time.Time); ok {
			collector.AddDelivery(time.Since(createdAt))
		}
	})
}

// chatLoop sends a message to partnerID every interval until ctx ends.
func chatLoop(
	ctx context.Context,
	p participant,
	partnerID, payload string,
	interval time.Duration,
	typing bool,
	collector *stats.Collector,
	counters *chatCounters,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.conn.Done():
			collector.AddError()
			return
		case <-ticker.C:
		}

		if typing {
			if _, err := p.conn.Emit(ctx, "isTyping", map[string]interface{}{"typing": true}); err != nil {
				if ctx.Err() == nil {
					collector.AddError()
				}
				continue
			}
		}

		counters.sent.Add(1)
		ack, err := p.conn.Emit(ctx, "message", map[string]interface{}{
			"message":    payload,
			"receiverId": partnerID,
		})
		switch {
		case err != nil:
			if ctx.Err() == nil {
				collector.AddError()
			}
		case ack.Success:
			counters.acked.Add(1)
			collector.AddAck(ack.Latency)
		default:
			counters.rejected.Add(1)
			collector.AddFailure(fmt.Sprint(ack.Error))
		}
	}
}
