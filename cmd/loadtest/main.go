// Command loadtest drives pairs of users through invite, direct message and
// room traffic against a running server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base URL")
	pairs    = flag.Int("pairs", 50, "number of user pairs")
	msgCount = flag.Int("messages", 20, "direct messages sent per user")
	password = "password123"
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
	Email string `json:"email"`
}

type frame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func main() {
	flag.Parse()
	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()

	glog.Infof("starting load test: %d users, %d messages each", *pairs*2, *msgCount)
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(ctx, pairID); err != nil {
				glog.Warningf("pair %d: %v", pairID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	glog.Infof("load test complete in %s", time.Since(start))
}

func runPair(ctx context.Context, pairID int) error {
	emailA := fmt.Sprintf("u%da@load.test", pairID)
	emailB := fmt.Sprintf("u%db@load.test", pairID)

	a, err := authenticate(emailA)
	if err != nil {
		return err
	}
	b, err := authenticate(emailB)
	if err != nil {
		return err
	}

	connA, err := dial(a.Token)
	if err != nil {
		return err
	}
	defer connA.Close()
	connB, err := dial(b.Token)
	if err != nil {
		return err
	}
	defer connB.Close()

	if err := connA.WriteJSON(frame{Type: "invite", Ref: "invite", Payload: map[string]string{"to": emailB}}); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return chatter(connA, emailA, emailB) })
	g.Go(func() error { return chatter(connB, emailB, emailA) })
	return g.Wait()
}

// authenticate registers (ignoring conflicts) and logs in.
func authenticate(email string) (loginResponse, error) {
	creds := map[string]string{"email": email, "password": password}
	if resp, err := postJSON("/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", creds)
	if err != nil {
		return loginResponse{}, fmt.Errorf("login %s: %w", email, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return loginResponse{}, fmt.Errorf("login %s: status %d", email, resp.StatusCode)
	}
	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return loginResponse{}, err
	}
	return data, nil
}

func dial(token string) (*websocket.Conn, error) {
	u := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	return conn, err
}

// chatter opens the direct channel and sends msgCount messages, reading
// frames in the background so the server never blocks on this client.
func chatter(conn *websocket.Conn, self, other string) error {
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(frame{Type: "dm.open", Ref: "open", Payload: map[string]string{"with": other}}); err != nil {
		return err
	}
	for i := 0; i < *msgCount; i++ {
		msg := frame{
			Type:    "dm.send",
			Ref:     fmt.Sprintf("m%d", i),
			Payload: map[string]string{"with": other, "text": fmt.Sprintf("load test message %d from %s", i, self)},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send as %s: %w", self, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	glog.V(1).Infof("%s finished sending %d messages", self, *msgCount)
	return conn.WriteJSON(frame{Type: "logout", Ref: "bye"})
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewReader(b))
}
