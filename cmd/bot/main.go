package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"tilepatch.ai/internal/protocol"
)

// The bot tends a small field: it plants empty plots, waters growing crops,
// harvests ripe ones and clears withered ones.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "actor id")
		crop     = flag.String("crop", "wheat", "crop id to plant")
		originX  = flag.Int("x", 0, "field origin x")
		originY  = flag.Int("y", 0, "field origin y")
		size     = flag.Int("size", 4, "field side length in tiles")
		interval = flag.Duration("interval", 500*time.Millisecond, "delay between requests")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ActorID:         *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := readJSON(conn, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME: %v", err)
	}
	logger.Printf("WELCOME actor=%s map=%s tick_ms=%d water_tool=%s",
		welcome.ActorID, welcome.MapID, welcome.WorldParams.TickMs, welcome.WorldParams.Tools.Water)

	b := &bot{
		conn:   conn,
		logger: logger,
		crop:   *crop,
		water:  welcome.WorldParams.Tools.Water,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.Printf("harvested: %v", b.harvested)
			return
		case <-ticker.C:
		}
		pos := [3]int{*originX + b.rng.Intn(*size), *originY + b.rng.Intn(*size), 0}
		if err := b.tend(pos); err != nil {
			logger.Printf("tend %v: %v", pos, err)
			return
		}
	}
}

type bot struct {
	conn   *websocket.Conn
	logger *log.Logger
	crop   string
	water  string
	rng    *rand.Rand
	seq    int

	harvested map[string]int
}

func (b *bot) tend(pos [3]int) error {
	resp, err := b.do(protocol.OpGet, pos, nil)
	if err != nil {
		return err
	}
	if resp.Patch == nil || resp.Patch.Crop == nil {
		if resp.Patch != nil {
			// Someone else's patch; leave it alone.
			return nil
		}
		resp, err = b.do(protocol.OpPlant, pos, func(m *protocol.PatchReqMsg) { m.Name = b.crop })
		if err == nil && resp.OK {
			b.logger.Printf("planted %s at %v", b.crop, pos)
		}
		return err
	}

	switch resp.Patch.Crop.Stage {
	case "harvestable":
		resp, err = b.do(protocol.OpInteract, pos, nil)
		if err == nil && resp.OK {
			if b.harvested == nil {
				b.harvested = map[string]int{}
			}
			for item, n := range resp.Granted {
				b.harvested[item] += n
			}
			b.logger.Printf("harvested %v at %v (quality %s)", resp.Granted, pos, resp.Patch.Crop.Tier)
		}
	case "withered":
		_, err = b.do(protocol.OpRemove, pos, nil)
	default:
		if resp.Patch.Crop.Water < 0.5 && b.water != "" {
			_, err = b.do(protocol.OpInteract, pos, func(m *protocol.PatchReqMsg) { m.Tool = b.water })
		}
	}
	return err
}

func (b *bot) do(op string, pos [3]int, fill func(*protocol.PatchReqMsg)) (protocol.PatchRespMsg, error) {
	b.seq++
	req := protocol.PatchReqMsg{
		Type:            protocol.TypePatchReq,
		ProtocolVersion: protocol.Version,
		ReqID:           fmt.Sprintf("R%d", b.seq),
		Op:              op,
		Pos:             &pos,
	}
	if fill != nil {
		fill(&req)
	}
	if err := b.conn.WriteJSON(req); err != nil {
		return protocol.PatchRespMsg{}, err
	}
	var resp protocol.PatchRespMsg
	if err := readJSON(b.conn, &resp); err != nil {
		return resp, err
	}
	if resp.Type != protocol.TypePatchResp {
		return resp, fmt.Errorf("unexpected %s", resp.Type)
	}
	if !resp.OK && resp.Code != protocol.ErrInvalidTarget {
		b.logger.Printf("%s %v: %s %s", op, pos, resp.Code, resp.Message)
	}
	return resp, nil
}

func readJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(msg, v)
}
