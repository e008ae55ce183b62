package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
)

type clientConfig struct {
	Server string `env:"CHAT_SERVER" envDefault:"localhost:8080"`
}

type session struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type command struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type turn struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Time      string `json:"time"`
	Thumbnail string `json:"thumbnail"`
}

func main() {
	var cfg clientConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}

	sess, err := openSession(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}

	wsURL := url.URL{Scheme: "ws", Host: cfg.Server, Path: "/ws", RawQuery: "token=" + url.QueryEscape(sess.Token)}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				log.Println("Error reading message:", err)
				return
			}
			render(f)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down...")
		conn.Close()
		os.Exit(0)
	}()

	fmt.Printf("Session %s\n", sess.SessionID)
	fmt.Println("Type a message, '/image <path> [text]' to attach a photo, '/clear' to start over, 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			break
		}

		cmd, err := parse(line)
		if err != nil {
			fmt.Println("!", err)
			continue
		}
		if err := conn.WriteJSON(cmd); err != nil {
			log.Println("Error sending message:", err)
			break
		}
	}
}

func openSession(server string) (session, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+server+"/api/v1/sessions", "application/json", nil)
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return session{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return session{}, err
	}
	return s, nil
}

func parse(line string) (command, error) {
	switch {
	case line == "/clear":
		return command{Type: "clear"}, nil
	case strings.HasPrefix(line, "/image "):
		path, text, _ := strings.Cut(strings.TrimPrefix(line, "/image "), " ")
		data, err := os.ReadFile(path)
		if err != nil {
			return command{}, err
		}
		return command{Type: "submit", Text: text, Image: base64.StdEncoding.EncodeToString(data)}, nil
	default:
		return command{Type: "submit", Text: line}, nil
	}
}

func render(f frame) {
	switch f.Type {
	case "turn":
		var t turn
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return
		}
		marker := ""
		if t.Thumbnail != "" {
			marker = " [image]"
		}
		fmt.Printf("[%s] %s:%s %s\n", t.Time, t.Role, marker, t.Text)
	case "transcript":
		var snap struct {
			Turns []turn `json:"turns"`
		}
		if err := json.Unmarshal(f.Data, &snap); err != nil {
			return
		}
		for _, t := range snap.Turns {
			fmt.Printf("[%s] %s: %s\n", t.Time, t.Role, t.Text)
		}
	case "state":
		var st struct {
			State string `json:"state"`
		}
		if json.Unmarshal(f.Data, &st) == nil && st.State == "submitting" {
			fmt.Println("... thinking")
		}
	case "cleared":
		fmt.Println("--- conversation cleared ---")
	case "error":
		fmt.Printf("! %s\n", f.Data)
	}
}
