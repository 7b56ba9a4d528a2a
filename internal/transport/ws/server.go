package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/world"
)

// World is the part of the world host the transport needs.
type World interface {
	Submit(ctx context.Context, req world.Request) (world.Response, error)
	MapID() string
	SessionID() string
}

type Config struct {
	Params   protocol.WorldParams
	Catalogs protocol.CatalogDigests
	// AdminOps allows save, validate, repair and switch_map over the socket.
	AdminOps bool
	// RequestTimeout bounds one Submit round trip.
	RequestTimeout time.Duration
}

type Server struct {
	world World
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w World, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if len(cfg.Params.Ops) == 0 {
		cfg.Params.Ops = protocol.Ops
	}
	return &Server{
		world: w,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		actor := s.handshake(conn)
		if actor == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan []byte, 16)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Requests are answered in order, one at a time, so the
		// actor is never shared between two in-flight requests.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handle(ctx, actor, msg)
			b, err := json.Marshal(reply)
			if err != nil {
				s.log.Printf("marshal reply for %s: %v", actor.ID, err)
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
}

func ack(forType, code, msg string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          forType,
		Accepted:        false,
		Code:            code,
		Message:         msg,
	}
}

// handle turns one client message into its reply. Messages that never reach
// the world are answered with a rejected ACK.
func (s *Server) handle(ctx context.Context, actor *world.Actor, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return ack("", protocol.ErrProtoBadRequest, "malformed json")
	}
	if base.Type != protocol.TypePatchReq {
		return ack(base.Type, protocol.ErrProtoBadRequest, "unsupported message type")
	}
	if base.ProtocolVersion != protocol.Version {
		return ack(base.Type, protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	if err := protocol.Validate(base.Type, msg); err != nil {
		return ack(base.Type, protocol.ErrProtoBadRequest, err.Error())
	}
	var req protocol.PatchReqMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return ack(base.Type, protocol.ErrProtoBadRequest, err.Error())
	}

	resp := protocol.PatchRespMsg{
		Type:            protocol.TypePatchResp,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
	}
	wreq, code, why := s.toRequest(req, actor)
	if code != "" {
		resp.Code, resp.Message = code, why
		return resp
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	out, err := s.world.Submit(rctx, wreq)
	if err != nil {
		resp.Code, resp.Message = protocol.ErrWorldBusy, err.Error()
		return resp
	}
	fillResp(&resp, out)
	if len(out.Granted) > 0 {
		for item, n := range out.Granted {
			actor.Grant(item, n)
		}
		resp.Inventory = actor.Inventory()
	}
	return resp
}

func needsPos(op string) bool {
	switch op {
	case protocol.OpPlant, protocol.OpEffect, protocol.OpEdit, protocol.OpConstruct,
		protocol.OpInteract, protocol.OpTransition, protocol.OpRemove, protocol.OpGet:
		return true
	}
	return false
}

func adminOp(op string) bool {
	switch op {
	case protocol.OpSave, protocol.OpValidate, protocol.OpRepair, protocol.OpSwitchMap:
		return true
	}
	return false
}

func (s *Server) toRequest(m protocol.PatchReqMsg, actor *world.Actor) (world.Request, string, string) {
	// The world sees a copy: a request abandoned on timeout may still run
	// after this goroutine has moved on.
	req := world.Request{
		Op:      m.Op,
		Actor:   actor.Clone(),
		Tool:    m.Tool,
		Name:    m.Name,
		Replace: m.Replace,
		Force:   m.Force,
	}
	if adminOp(m.Op) && !s.cfg.AdminOps {
		return req, protocol.ErrNoPermission, m.Op + " is disabled on this socket"
	}
	if m.Pos != nil {
		req.Coord = patch.Coord{X: m.Pos[0], Y: m.Pos[1], Layer: m.Pos[2]}
	} else if needsPos(m.Op) {
		return req, protocol.ErrBadRequest, m.Op + " requires pos"
	}
	switch m.Op {
	case protocol.OpArea:
		if m.Area == nil {
			return req, protocol.ErrBadRequest, "area requires area"
		}
		req.Rect = patch.Rect{MinX: m.Area.Min[0], MinY: m.Area.Min[1], MaxX: m.Area.Max[0], MaxY: m.Area.Max[1]}
		req.Coord.Layer = m.Area.Layer
	case protocol.OpTransition:
		if m.State == nil {
			return req, protocol.ErrBadRequest, "transition requires state"
		}
		req.State = *m.State
	case protocol.OpEdit:
		if m.Edit == nil {
			return req, protocol.ErrBadRequest, "edit requires edit"
		}
		req.Edit = &patch.ChangeSpec{
			Change:        patch.ChangeKind(m.Edit.Change),
			Reason:        m.Edit.Reason,
			Tile:          m.Edit.Tile,
			Collision:     m.Edit.Collision,
			Revertible:    m.Edit.Revertible,
			RequiredItems: m.Edit.RequiredItems,
			RequiredFlags: m.Edit.RequiredFlags,
		}
	case protocol.OpEffect:
		if m.Effect != nil {
			req.Effect = &patch.EffectSpec{
				Category:  m.Effect.Category,
				Duration:  time.Duration(m.Effect.DurationMs) * time.Millisecond,
				Intensity: m.Effect.Intensity,
				Curve:     patch.Curve(m.Effect.Curve),
				Fade:      m.Effect.Fade,
			}
		}
	}
	return req, "", ""
}

func fillResp(dst *protocol.PatchRespMsg, r world.Response) {
	dst.OK = r.OK
	dst.Code = r.Code
	dst.Message = r.Message
	dst.Tick = r.Tick
	dst.MapID = r.MapID
	dst.Patch = r.Patch
	dst.Patches = r.Patches
	dst.Visual = r.Visual
	dst.Granted = r.Granted
	dst.Save = r.Save
	dst.Load = r.Load
	dst.Valid = r.Valid
	for _, c := range r.Refreshes {
		dst.Refreshes = append(dst.Refreshes, [3]int{c.X, c.Y, c.Layer})
	}
	if r.Status != nil {
		dst.Status = r.Status
	}
}

func (s *Server) handshake(conn *websocket.Conn) *world.Actor {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		closeWith(conn, fmt.Sprintf("bad HELLO: %v", err))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	actor := world.NewActor(hello.ActorID)
	actor.Held = hello.Tool
	for item, n := range hello.Items {
		actor.Grant(item, n)
	}
	for _, f := range hello.Flags {
		actor.SetFlag(f, true)
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.world.SessionID(),
		ActorID:         actor.ID,
		MapID:           s.world.MapID(),
		WorldParams:     s.cfg.Params,
		Catalogs:        s.cfg.Catalogs,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	s.log.Printf("actor %s connected (map %s)", actor.ID, welcome.MapID)
	return actor
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
