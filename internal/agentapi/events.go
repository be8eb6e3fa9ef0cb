package agentapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/syncer"
)

// EventMessage converts an engine event into its websocket payload.
func EventMessage(evt syncer.Event) any {
	switch evt.Type {
	case syncer.EventCompleted:
		return protocol.SyncCompleted{
			Type:           protocol.TypeSyncCompleted,
			LocalID:        evt.LocalID,
			ServerMemoryID: evt.ServerMemoryID,
			MemoryType:     string(evt.MemoryType),
		}
	default:
		return protocol.SyncFailed{
			Type:       protocol.TypeSyncFailed,
			LocalID:    evt.LocalID,
			Code:       string(evt.Code),
			Detail:     evt.Detail,
			RetryCount: evt.RetryCount,
			Permanent:  evt.Permanent,
		}
	}
}

// handleEvents streams sync outcomes. Clients may send client_sync to start
// a pass and get a pass_finished answer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 64)
	offer := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; drop if the client is not keeping up.
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				offer(EventMessage(evt))
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

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
			offer(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		if _, ok := parsed.(protocol.ClientSync); ok {
			go s.syncForClient(ctx, offer)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) syncForClient(ctx context.Context, offer func(any)) {
	summary, err := s.engine.SyncOnce(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, syncer.ErrPassInProgress):
		offer(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "pass_in_progress", Retryable: true, Detail: err.Error()})
	case err != nil:
		if ctx.Err() == nil {
			offer(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "sync_failed", Retryable: true, Detail: err.Error()})
		}
	default:
		offer(protocol.PassFinished{
			Type:      protocol.TypePassFinished,
			Attempted: summary.Attempted,
			Completed: summary.Completed,
			Failed:    summary.Failed,
			Offline:   summary.Offline,
		})
	}
}
