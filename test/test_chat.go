package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const baseURL = "http://localhost:8080/api/v1"

type SessionResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type TurnView struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Time  string `json:"time"`
}

type SubmitResponse struct {
	User      TurnView `json:"user"`
	Assistant TurnView `json:"assistant"`
	Error     string   `json:"error"`
}

var client = &http.Client{Timeout: 90 * time.Second}

func main() {
	fmt.Println("🚀 Starting chat smoke test...")

	sess, err := createSession()
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	fmt.Printf("✅ Session %s opened\n", sess.SessionID)

	res, err := postText(sess.Token, "What is a good routine for dry skin?")
	if err != nil {
		log.Fatalf("Failed to post message: %v", err)
	}
	printTurns(res)

	if len(os.Args) > 1 {
		res, err = postImage(sess.Token, os.Args[1], "")
		if err != nil {
			log.Fatalf("Failed to post image: %v", err)
		}
		printTurns(res)
	}

	if err := call(sess.Token, http.MethodGet, "/chat/messages", nil, "", nil); err != nil {
		log.Fatalf("Failed to read transcript: %v", err)
	}
	if err := call(sess.Token, http.MethodDelete, "/chat/messages", nil, "", nil); err != nil {
		log.Fatalf("Failed to clear: %v", err)
	}

	fmt.Println("✅ Chat smoke test completed successfully!")
}

func createSession() (SessionResponse, error) {
	var sess SessionResponse
	err := call("", http.MethodPost, "/sessions", nil, "", &sess)
	return sess, err
}

func postText(token, text string) (SubmitResponse, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	var res SubmitResponse
	err := call(token, http.MethodPost, "/chat/messages", bytes.NewReader(body), "application/json", &res)
	return res, err
}

func postImage(token, path, text string) (SubmitResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return SubmitResponse{}, err
		}
	}
	part, err := w.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return SubmitResponse{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return SubmitResponse{}, err
	}
	if err := w.Close(); err != nil {
		return SubmitResponse{}, err
	}

	var res SubmitResponse
	err = call(token, http.MethodPost, "/chat/messages", &buf, w.FormDataContentType(), &res)
	return res, err
}

func call(token, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data)
	}
	fmt.Printf("📨 %s %s -> %s\n", method, path, resp.Status)
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printTurns(res SubmitResponse) {
	fmt.Printf("[%s] %s: %s\n", res.User.Time, res.User.Role, res.User.Text)
	fmt.Printf("[%s] %s: %s\n", res.Assistant.Time, res.Assistant.Role, res.Assistant.Text)
	if res.Error != "" {
		fmt.Printf("⚠️  %s\n", res.Error)
	}
}
