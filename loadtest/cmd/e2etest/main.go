// Package main implements a standalone end-to-end check of a running chat
// server. It validates the user journey against a live deployment: health
// and metrics endpoints, the socket.io handshake, direct messages, typing
// indicators, history paging, input validation and rate limiting.
//
// Usage:
//
//	go run ./loadtest/cmd/e2etest/ [-url ws://localhost:3001] [-api http://localhost:3001] [-metrics http://localhost:9090/metrics] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/socket-chat/internal/session"
	"github.com/whisper/socket-chat/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional, non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultPass, fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type user struct {
	id    string
	token string
	conn  *client.Client
}

type env struct {
	wsURL string
	auth  *session.JWTAuthenticator
}

// connect creates a user with a fresh id and connects it.
func (e *env) connect(ctx context.Context) (*user, error) {
	u := &user{id: uuid.NewString()}
	token, err := e.auth.Issue(session.Identity{ID: u.id}, time.Hour)
	if err != nil {
		return nil, err
	}
	u.token = token
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	u.conn, err = client.New(connCtx, client.Options{URL: e.wsURL, Token: token})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// events returns a channel receiving the first argument of every name event.
func events(c *client.Client, name string) <-chan interface{} {
	ch := make(chan interface{}, 64)
	c.On(name, func(args []interface{}) {
		if len(args) == 0 {
			return
		}
		select {
		case ch <- args[0]:
		default:
		}
	})
	return ch
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:3001", "Server base URL")
	apiBase := flag.String("api", "http://localhost:3001", "HTTP base URL of the server")
	metricsURL := flag.String("metrics", "http://localhost:9090/metrics", "Prometheus endpoint")
	secret := flag.String("secret", os.Getenv("AUTH_SECRET"), "Session token secret (AUTH_SECRET of the server)")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	auth, err := session.NewJWTAuthenticator(*secret, "session-token")
	if err != nil {
		fmt.Fprintln(os.Stderr, "a token secret is required (-secret or AUTH_SECRET)")
		os.Exit(1)
	}
	e := &env{wsURL: *wsURL, auth: auth}

	fmt.Println("=== Chat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(ctx, *apiBase, *metricsURL),
		scenarioAnonymous(ctx, e),
	}
	results = append(results, scenarioConversation(ctx, e)...)
	results = append(results, scenarioValidation(ctx, e))
	results = append(results, scenarioRateLimiting(ctx, e))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario: health and metrics
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, apiBase, metricsURL string) scenarioResult {
	name := "Health and metrics"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return fail(name, "/health: %v", err)
	}
	if !strings.Contains(string(body), "connections") {
		return fail(name, "/health: unexpected body %q", body)
	}

	metrics, err := httpGetBody(ctx, metricsURL)
	if err != nil {
		return fail(name, "metrics: %v", err)
	}
	if !strings.Contains(string(metrics), "socketchat_connections_total") {
		return fail(name, "metrics: missing socketchat_connections_total")
	}
	return pass(name, "")
}

// ---------------------------------------------------------------------------
// Scenario: anonymous connections
// ---------------------------------------------------------------------------

func scenarioAnonymous(ctx context.Context, e *env) scenarioResult {
	name := "Anonymous connection cannot send"

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.New(connCtx, client.Options{URL: e.wsURL})
	if err != nil {
		return fail(name, "connect: %v", err)
	}
	defer c.Close()

	ack, err := c.Emit(ctx, "message", map[string]interface{}{"message": "hi", "receiverId": uuid.NewString()})
	if err != nil {
		return fail(name, "emit: %v", err)
	}
	if ack.Success || ack.Error != "Unauthenticated" {
		return fail(name, "expected Unauthenticated, got success=%v error=%v", ack.Success, ack.Error)
	}
	return pass(name, "socket=%s", truncateID(c.SocketID()))
}

// ---------------------------------------------------------------------------
// Scenarios: typing, direct message, history
// ---------------------------------------------------------------------------

func scenarioConversation(ctx context.Context, e *env) []scenarioResult {
	const (
		typingName  = "Typing indicator"
		messageName = "Direct message delivery"
		historyName = "History paging"
	)
	skip := func(detail string) []scenarioResult {
		return []scenarioResult{
			fail(typingName, "%s", detail),
			fail(messageName, "skipped: %s", detail),
			fail(historyName, "skipped: %s", detail),
		}
	}

	alice, err := e.connect(ctx)
	if err != nil {
		return skip("alice connect: " + err.Error())
	}
	defer alice.conn.Close()
	bob, err := e.connect(ctx)
	if err != nil {
		return skip("bob connect: " + err.Error())
	}
	defer bob.conn.Close()

	aliceAdds := events(alice.conn, "add")
	bobAdds := events(bob.conn, "add")
	bobTyping := events(bob.conn, "whoIsTyping")

	var results []scenarioResult

	// Typing.
	if ack, err := alice.conn.Emit(ctx, "isTyping", map[string]interface{}{"typing": true}); err != nil || !ack.Success {
		results = append(results, fail(typingName, "isTyping: err=%v ack=%+v", err, ack))
	} else if waitFor(ctx, bobTyping, 5*time.Second, func(v interface{}) bool { return containsString(v, alice.id) }) {
		results = append(results, pass(typingName, ""))
	} else {
		results = append(results, fail(typingName, "bob never saw alice typing"))
	}

	// Direct message.
	ack, err := alice.conn.Emit(ctx, "message", map[string]interface{}{"message": "hello bob", "receiverId": bob.id})
	switch {
	case err != nil:
		results = append(results, fail(messageName, "emit: %v", err))
	case !ack.Success:
		results = append(results, fail(messageName, "rejected: %v", ack.Error))
	default:
		sent, _ := ack.Data.(map[string]interface{})
		isMessage := func(v interface{}) bool {
			m, ok := v.(map[string]interface{})
			return ok && m["id"] == sent["id"]
		}
		_, dated := sent["createdAt"].(time.Time)
		switch {
		case !dated:
			results = append(results, fail(messageName, "createdAt is %T, not a date", sent["createdAt"]))
		case !waitFor(ctx, bobAdds, 5*time.Second, isMessage):
			results = append(results, fail(messageName, "bob did not receive the message"))
		case !waitFor(ctx, aliceAdds, 5*time.Second, isMessage):
			results = append(results, fail(messageName, "alice's own connection did not receive the message"))
		default:
			results = append(results, pass(messageName, "ack=%s", ack.Latency.Round(time.Microsecond)))
		}
	}

	// History from bob's side.
	hist, err := bob.conn.Emit(ctx, "history", map[string]interface{}{"pairId": alice.id})
	if err != nil || !hist.Success {
		return append(results, fail(historyName, "history: err=%v ack=%+v", err, hist))
	}
	page, _ := hist.Data.(map[string]interface{})
	items, _ := page["items"].([]interface{})
	if len(items) != 1 {
		return append(results, fail(historyName, "expected 1 item, got %d", len(items)))
	}
	return append(results, pass(historyName, "items=%d", len(items)))
}

// ---------------------------------------------------------------------------
// Scenario: input validation
// ---------------------------------------------------------------------------

func scenarioValidation(ctx context.Context, e *env) scenarioResult {
	name := "Input validation"

	u, err := e.connect(ctx)
	if err != nil {
		return fail(name, "connect: %v", err)
	}
	defer u.conn.Close()

	ack, err := u.conn.Emit(ctx, "message", map[string]interface{}{"message": "", "receiverId": "not-a-uuid"})
	if err != nil {
		return fail(name, "emit: %v", err)
	}
	verr, _ := ack.Error.(map[string]interface{})
	if ack.Success || verr["name"] != "ValidationError" {
		return fail(name, "expected ValidationError, got success=%v error=%v", ack.Success, ack.Error)
	}
	issues, _ := verr["issues"].([]interface{})
	return pass(name, "issues=%d", len(issues))
}

// ---------------------------------------------------------------------------
// Scenario: rate limiting (optional, needs Redis on the server)
// ---------------------------------------------------------------------------

func scenarioRateLimiting(ctx context.Context, e *env) scenarioResult {
	name := "Rate limiting"

	u, err := e.connect(ctx)
	if err != nil {
		return fail(name, "connect: %v", err)
	}
	defer u.conn.Close()

	post := func(i int) (client.Ack, error) {
		return u.conn.Emit(ctx, "post", map[string]interface{}{"text": fmt.Sprintf("burst %d", i)})
	}
	for i := 0; i < 8; i++ {
		ack, err := post(i)
		if err != nil {
			return fail(name, "emit: %v", err)
		}
		if !ack.Success && ack.Error == "Rate limited" {
			return pass(name, "limited after %d posts", i)
		}
	}
	return scenarioResult{name, resultInfo, "no limit hit; server may run without Redis"}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(ctx context.Context, ch <-chan interface{}, timeout time.Duration, match func(interface{}) bool) bool {
	deadline := time.After(timeout)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return true
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func containsString(v interface{}, s string) bool {
	list, _ := v.([]interface{})
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
