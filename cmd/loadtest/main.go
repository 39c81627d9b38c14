package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-chat-gateway/internal/auth"
	"go-chat-gateway/internal/message"
)

var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "gateway websocket endpoint")
	secret    = flag.String("secret", os.Getenv("GATEWAY_AUTH_JWT_SECRET"), "JWT secret shared with the gateway")
	pairCount = flag.Int("pairs", 250, "number of client pairs") // ⚠️ Start small, every pair is two sockets.
	msgCount  = flag.Int("messages", 20, "chat messages each client sends")
	drainWait = flag.Duration("drain", 5*time.Second, "how long to wait for outstanding deliveries")
)

type counters struct {
	sent     atomic.Int64
	acked    atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	flag.Parse()
	if *secret == "" {
		log.Fatal("❌ -secret or GATEWAY_AUTH_JWT_SECRET is required")
	}
	issuer := auth.NewJWT(*secret)

	log.Printf("🔥 STARTING STRESS TEST: %d Clients, %d Messages each...", *pairCount*2, *msgCount)
	start := time.Now()
	var c counters
	var wg sync.WaitGroup

	// Pairs: client 0a talks to 0b, 1a to 1b...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(issuer, pairID, &c)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d acked=%d received=%d failed=%d",
		time.Since(start).Round(time.Millisecond), c.sent.Load(), c.acked.Load(), c.received.Load(), c.failed.Load())
}

func runPair(issuer *auth.JWT, pairID int, c *counters) {
	clientA := fmt.Sprintf("c_%d_a", pairID)
	clientB := fmt.Sprintf("c_%d_b", pairID)

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, issuer, clientA, clientB, c)
	go spamChat(&wsWg, issuer, clientB, clientA, c)
	wsWg.Wait()
}

func dial(issuer *auth.JWT, clientID string) (*websocket.Conn, error) {
	token, err := issuer.Issue(auth.Identity{ClientID: clientID}, time.Hour)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(*wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func spamChat(wg *sync.WaitGroup, issuer *auth.JWT, self, partner string, c *counters) {
	defer wg.Done()

	conn, err := dial(issuer, self)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", self, err)
		c.failed.Add(1)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(m message.Message) error {
		frame, err := message.Encode(m)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, c, write)
	}()

	for i := 0; i < *msgCount; i++ {
		err := write(message.Message{
			Type:            message.ChatIn,
			RecipientID:     partner,
			CorrelationID:   uuid.NewString(),
			SenderTimestamp: time.Now(),
			Payload:         message.Payload{Kind: "text", Body: fmt.Sprintf("LoadTest Msg %d from %s", i, self)},
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", self, err)
			c.failed.Add(1)
			break
		}
		c.sent.Add(1)
		// Simulate real network pacing so credits are not drained instantly.
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(*drainWait)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
	log.Printf("✅ %s finished sending %d msgs", self, *msgCount)
}

// readLoop acks every delivered chat and counts acks for our own sends. The
// gateway coalesces queued frames with newlines.
func readLoop(conn *websocket.Conn, c *counters, write func(message.Message) error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			m, err := message.Decode(frame)
			if err != nil {
				c.failed.Add(1)
				continue
			}
			switch m.Type {
			case message.ChatOut:
				c.received.Add(1)
				if err := write(message.Message{Type: message.ChatAck, ID: m.ID, RecipientID: m.SenderID}); err != nil {
					return
				}
			case message.ChatAck:
				c.acked.Add(1)
			}
		}
	}
}
