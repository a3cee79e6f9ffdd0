// Package main is the entry point for the chat server load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: open N idle authenticated connections and hold them
//   - chat:     pairs of users exchanging direct messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/socket-chat/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Direct message load test, pairs of users exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenMinter issues session tokens for generated users. It needs the
// server's AUTH_SECRET.
type tokenMinter struct {
	auth *session.JWTAuthenticator
}

func newTokenMinter(secret, cookie string) (*tokenMinter, error) {
	auth, err := session.NewJWTAuthenticator(secret, cookie)
	if err != nil {
		return nil, fmt.Errorf("a token secret is required (-secret or AUTH_SECRET): %w", err)
	}
	return &tokenMinter{auth: auth}, nil
}

// user returns a fresh user id and its token.
func (m *tokenMinter) user() (string, string, error) {
	id := uuid.NewString()
	token, err := m.auth.Issue(session.Identity{ID: id}, 24*time.Hour)
	if err != nil {
		return "", "", err
	}
	return id, token, nil
}
