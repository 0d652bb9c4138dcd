package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/watoto/collab/api"
	"github.com/watoto/collab/client"
)

// ws-harness is a command-line participant for exercising a collaboration
// server: it joins a session, prints everything the session broadcasts, and
// sends chat, cursor, and diagram messages typed on stdin.

func main() {
	baseURL := flag.String("url", "ws://localhost:8080", "Server base URL")
	sessionID := flag.String("session", "", "Session id to join (required)")
	uid := flag.String("uid", "", "User id (generated when empty)")
	name := flag.String("name", "harness", "Display name")
	token := flag.String("token", "", "Bearer token when the server enforces auth")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: ws-harness -session <id> [-url ws://host:port] [-uid id] [-name name]")
		os.Exit(1)
	}
	if *uid == "" {
		*uid = uuid.New().String()
	}

	ctrl, err := client.NewController(client.Options{
		BaseURL:   *baseURL,
		SessionID: *sessionID,
		User:      api.User{ID: *uid, Name: *name},
		Token:     *token,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(1)
	}

	if err := ctrl.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = ctrl.Close() }()

	go printEvents(ctrl)

	fmt.Println("Connected. Type chat text, '/cursor x y', '/diagram file.json', or '/quit'.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := handleLine(ctrl, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func handleLine(ctrl *client.Controller, line string) error {
	switch {
	case strings.HasPrefix(line, "/cursor "):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("usage: /cursor x y")
		}
		x, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("invalid x: %w", err)
		}
		y, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("invalid y: %w", err)
		}
		return ctrl.SendCursorUpdate(x, y)

	case strings.HasPrefix(line, "/diagram "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/diagram"))
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return err
		}
		var payload api.DiagramUpdatePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid diagram file: %w", err)
		}
		return ctrl.SendDiagramUpdate(payload)

	default:
		return ctrl.SendChatMessage(line)
	}
}

func printEvents(ctrl *client.Controller) {
	for ev := range ctrl.Events() {
		switch ev.Type {
		case client.EventSync:
			fmt.Printf("<< sync: %d participants, %d chat entries, %d elements\n",
				len(ev.Sync.Participants), len(ev.Sync.Chat), len(ev.Sync.Diagram.Elements))
		case client.EventPeerJoined:
			fmt.Printf("<< %s (%s) joined\n", ev.User.Name, ev.User.ID)
		case client.EventPeerLeft:
			fmt.Printf("<< %s (%s) left\n", ev.User.Name, ev.User.ID)
		case client.EventChatReceived:
			fmt.Printf("<< %s: %s\n", ev.User.Name, ev.Chat.Text)
		case client.EventDiagramUpdated:
			fmt.Printf("<< %s updated the diagram (%d elements)\n", ev.User.Name, len(ev.Diagram.Elements))
		case client.EventCursorMoved:
			fmt.Printf("<< %s cursor at (%.1f, %.1f)\n", ev.User.Name, ev.Cursor.X, ev.Cursor.Y)
		case client.EventErrorReceived:
			fmt.Printf("<< server rejected message: %s (%s)\n", ev.Error.Message, ev.Error.Code)
		case client.EventReconnecting:
			fmt.Printf("** reconnecting (attempt %d)\n", ev.Attempt)
		case client.EventConnected:
			if ev.Attempt > 0 {
				fmt.Println("** reconnected")
			}
		case client.EventConnectionLost:
			fmt.Println("** connection lost, giving up")
			return
		case client.EventDisconnected:
			if ev.Err != nil {
				fmt.Printf("** disconnected: %v\n", ev.Err)
			}
		}
	}
}
