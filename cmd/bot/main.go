package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"simcal.ai/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name  = flag.String("name", "bot", "client name")
		token = flag.String("token", "", "auth token echoed back in WELCOME (optional)")
		only  = flag.String("events", "", "comma-separated event names to print (default: all)")
		rates = flag.String("rates", "", "comma-separated target rates to cycle through (optional)")
		every = flag.Duration("every", 10*time.Second, "interval between rate changes")
	)
	flag.Parse()

	plan, err := parseRates(*rates)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -rates:", err)
		os.Exit(2)
	}
	filter := map[string]bool{}
	for _, n := range strings.Split(*only, ",") {
		if n = strings.TrimSpace(n); n != "" {
			filter[n] = true
		}
	}

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if *token != "" {
		hello.Auth, _ = json.Marshal(map[string]string{"token": *token})
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	// Only this goroutine writes; the reader hands frames over.
	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			msgs <- msg
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var tick <-chan time.Time
	if len(plan) > 0 {
		t := time.NewTicker(*every)
		defer t.Stop()
		tick = t.C
	}
	next, reqSeq := 0, 0

	for {
		select {
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return

		case <-tick:
			reqSeq++
			req := protocol.SetTargetRateMsg{
				Type:            protocol.TypeSetTargetRate,
				ProtocolVersion: protocol.Version,
				ReqID:           fmt.Sprintf("R_%d", reqSeq),
				TargetRate:      plan[next],
			}
			next = (next + 1) % len(plan)
			if err := conn.WriteJSON(req); err != nil {
				logger.Printf("send SET_TARGET_RATE: %v", err)
				return
			}

		case msg, ok := <-msgs:
			if !ok {
				return
			}
			handle(logger, msg, filter)
		}
	}
}

func handle(logger *log.Logger, msg []byte, filter map[string]bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		logger.Printf("WELCOME session=%s namespace=%s", w.SessionID, w.Namespace)
	case protocol.TypeEvent:
		var ev struct {
			Event string          `json:"event"`
			Step  uint64          `json:"step"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		if len(filter) > 0 && !filter[ev.Event] {
			return
		}
		logger.Printf("%s step=%d %s", ev.Event, ev.Step, ev.Data)
	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err != nil {
			return
		}
		logger.Printf("ACK %s ref=%s %s", a.AckFor, a.Ref, a.Message)
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return
		}
		logger.Printf("ERROR %s ref=%s %s", e.Code, e.Ref, e.Message)
	}
}

func parseRates(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("rate %d < 0", n)
		}
		out = append(out, n)
	}
	return out, nil
}
