// Command workersim stands in for the CODAP browser worker during manual
// testing: it attaches to a session stream and answers every tool request
// with a canned text result.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessionclient"
)

func main() {
	_ = godotenv.Load()

	base := flag.String("base", envOr("RELAY_CLIENT_BASE_URL", "http://localhost:8080/api"), "relay API root")
	code := flag.String("code", "", "session code to serve; empty creates a new session")
	mode := flag.String("mode", "ws", "transport: ws or sse")
	delay := flag.Duration("delay", 0, "simulated execution time per request")
	flag.Parse()

	z, _ := zap.NewDevelopment()
	defer func() { _ = z.Sync() }()
	log := zapr.NewLogger(z)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *code == "" {
		client, err := sessionclient.New(sessionclient.Config{BaseURL: *base, Logger: log})
		if err != nil {
			log.Error(err, "invalid base URL")
			os.Exit(1)
		}
		sess, err := client.CreateSession(ctx, []string{"workersim"})
		if err != nil {
			log.Error(err, "create session")
			os.Exit(1)
		}
		*code = sess.Code
		log.Info("session created, pair the agent with connect_to_session", "code", sess.Code, "expiresAt", sess.ExpiresAt)
	}

	w := &worker{base: strings.TrimRight(*base, "/"), code: *code, delay: *delay, log: log}
	var err error
	switch *mode {
	case "ws":
		err = w.serveWebSocket(ctx)
	case "sse":
		err = w.serveSSE(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && ctx.Err() == nil {
		log.Error(err, "worker stopped")
		os.Exit(1)
	}
}

type worker struct {
	base  string
	code  string
	delay time.Duration
	log   logr.Logger
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (w *worker) answer(req tool.Delivery) tool.Response {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	text := fmt.Sprintf("simulated %s with %s", req.Tool, string(req.Args))
	return tool.Response{Code: w.code, ID: req.ID, Result: tool.Result{Content: []tool.ContentBlock{tool.TextBlock(text)}}}
}

func (w *worker) serveWebSocket(ctx context.Context) error {
	url := "ws" + strings.TrimPrefix(w.base, "http") + "/ws/" + w.code
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			return err
		}
		switch in.Type {
		case "tool-request":
			var req tool.Delivery
			if err := json.Unmarshal(in.Data, &req); err != nil {
				w.log.Error(err, "undecodable tool request")
				continue
			}
			w.log.Info("tool request", "id", req.ID, "tool", req.Tool)
			data, _ := json.Marshal(w.answer(req))
			if err := conn.WriteJSON(frame{Type: "tool-response", Data: data}); err != nil {
				return err
			}
		case "stream-closed":
			w.log.Info("stream closed by relay", "data", string(in.Data))
			return nil
		default:
			w.log.V(1).Info("frame", "type", in.Type, "data", string(in.Data))
		}
	}
}

func (w *worker) serveSSE(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/stream/"+w.code, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "tool-request":
			var delivery tool.Delivery
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &delivery); err != nil {
				w.log.Error(err, "undecodable tool request")
				continue
			}
			w.log.Info("tool request", "id", delivery.ID, "tool", delivery.Tool)
			if err := w.post(ctx, w.answer(delivery)); err != nil {
				w.log.Error(err, "post response", "id", delivery.ID)
			}
		case strings.HasPrefix(line, "data: ") && event == "stream-closed":
			w.log.Info("stream closed by relay", "data", strings.TrimPrefix(line, "data: "))
			return nil
		}
	}
	return scanner.Err()
}

func (w *worker) post(ctx context.Context, resp tool.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/response", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		return fmt.Errorf("relay answered %s", res.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
