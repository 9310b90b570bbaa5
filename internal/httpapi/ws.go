package httpapi

import (
	"context"
	"sync"
	"time"

	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/protocol"
	"github.com/tdnguyen/chatgate/internal/queue"
)

// handleChatWS drives a bidirectional chat connection. Inbound frames are
// submit_turn and cancel_turn; outbound frames are text deltas, turn ends,
// and error events. Writes stay single-threaded through the outbound queue.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	var mu sync.Mutex
	active := make(map[string]*queue.Handle)
	trackHandle := func(turnID string, h *queue.Handle) {
		mu.Lock()
		active[turnID] = h
		mu.Unlock()
	}
	dropHandle := func(turnID string) {
		mu.Lock()
		delete(active, turnID)
		mu.Unlock()
	}
	cancelAll := func() {
		mu.Lock()
		for _, h := range active {
			h.Cancel()
		}
		mu.Unlock()
	}
	defer cancelAll()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	var turns sync.WaitGroup
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.NewErrorEvent("invalid_client_message", false, err.Error()))
			continue
		}

		switch msg := parsed.(type) {
		case protocol.SubmitTurn:
			h, outcome, turn, err := s.submit(msg.UserID, submitTurnRequest{Model: msg.Model, Parts: msg.Parts})
			if err != nil {
				kind := fault.KindOf(err)
				send(protocol.NewErrorEvent(kind.String(), kind.Retryable(), err.Error()))
				continue
			}
			trackHandle(turn.ID, h)
			turns.Add(1)
			go func(turnID string) {
				defer turns.Done()
				defer dropHandle(turnID)
				for chunk := range h.Chunks() {
					send(protocol.NewTextDelta(turnID, chunk))
				}
				<-h.Done()
				if err := h.Err(); err != nil {
					kind := fault.KindOf(err)
					send(protocol.NewErrorEvent(kind.String(), kind.Retryable(), err.Error()))
					return
				}
				send(protocol.NewTurnEnd(turnID, outcome.Model, outcome.Cost, outcome.Balance))
			}(turn.ID)
		case protocol.CancelTurn:
			cancelAll()
		}
	}

	cancelAll()
	turns.Wait()
	cancel()
	close(outbound)
	<-writerDone
}
