// Package outbox implements optimistic sending: a local echo is shown at
// once, delivery goes over the live channel when it is connected and over
// REST otherwise, and the echo is folded into the server copy when one
// arrives.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// Delivery paths reported in Result.Via.
const (
	ViaLive = "live"
	ViaREST = "rest"
)

// ErrNothingToRetry is returned by Retry for unknown or already sent messages.
var ErrNothingToRetry = errors.New("no failed message to retry")

// LiveSender is the live channel as seen by the coordinator.
type LiveSender interface {
	State() status.State
	Send(ctx context.Context, req model.SendRequest) error
}

// RESTSender is the REST send endpoint.
type RESTSender interface {
	SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error)
}

// Recorder keeps failed sends across restarts. *store.DB implements it.
type Recorder interface {
	RecordOutboxFailure(clientMsgID string, req model.SendRequest, errMsg string) error
	MarkOutboxSent(clientMsgID, serverMsgID string) error
	GetOutbox(clientMsgID string) (*store.OutboxEntry, error)
}

// Options tunes a single Send.
type Options struct {
	// LocalID reuses a correlation id instead of generating one.
	LocalID string
	// ReuseLocal skips creating the echo because one is already shown.
	ReuseLocal bool
}

// Result describes a completed send. Message is set only for REST
// deliveries; live deliveries are confirmed later by a push event.
type Result struct {
	ClientMessageID string
	Via             string
	Message         *model.Message
}

// Coordinator sends messages with an optimistic local echo.
type Coordinator struct {
	timeline *timeline.Store
	live     LiveSender
	rest     RESTSender
	recorder Recorder
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator. live and recorder may be nil.
func NewCoordinator(tl *timeline.Store, live LiveSender, rest RESTSender, recorder Recorder, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		timeline: tl,
		live:     live,
		rest:     rest,
		recorder: recorder,
		bus:      b,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send delivers req. On failure the echo stays in the timeline marked
// failed and the error is returned.
func (c *Coordinator) Send(ctx context.Context, req model.SendRequest, opts Options) (*Result, error) {
	cid := opts.LocalID
	if cid == "" {
		cid = req.ClientMessageID
	}
	if cid == "" {
		cid = uuid.NewString()
	}
	req.ClientMessageID = cid
	req.Metadata = maps.Clone(req.Metadata)
	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata[model.MetaClientMessageID] = cid
	if req.Type == "" {
		req.Type = model.TypeText
	}

	log := c.logger.With(zap.String("session_id", req.SessionID), zap.String("client_msg_id", cid))

	if opts.ReuseLocal {
		c.timeline.Update(req.SessionID, cid, model.StatusPatch(model.StatusSending, true))
	} else {
		c.timeline.Append(c.echo(req))
	}

	if c.live != nil && !req.AssistantStreaming && c.live.State() == status.Connected {
		err := c.live.Send(ctx, req)
		if err == nil {
			c.timeline.Update(req.SessionID, cid, model.StatusPatch(model.StatusSent, false))
			c.acknowledge(req, "", ViaLive)
			log.Debug("message sent", zap.String("via", ViaLive))
			return &Result{ClientMessageID: cid, Via: ViaLive}, nil
		}
		log.Warn("live send failed, falling back to REST", zap.Error(err))
	}

	msg, err := c.rest.SendMessage(ctx, req)
	if err != nil {
		c.fail(req, err)
		log.Error("failed to send message", zap.Error(err))
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.SessionID == "" {
		msg.SessionID = req.SessionID
	}
	c.timeline.Replace(req.SessionID, cid, *msg)
	c.acknowledge(req, msg.ID, ViaREST)
	log.Debug("message sent", zap.String("via", ViaREST), zap.String("message_id", msg.ID))
	return &Result{ClientMessageID: cid, Via: ViaREST, Message: msg}, nil
}

// Retry resends a failed echo, reusing its correlation id and row.
func (c *Coordinator) Retry(ctx context.Context, sessionID, localID string) (*Result, error) {
	req, ok := c.retryRequest(sessionID, localID)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", localID, ErrNothingToRetry)
	}
	return c.Send(ctx, req, Options{LocalID: localID, ReuseLocal: true})
}

func (c *Coordinator) retryRequest(sessionID, localID string) (model.SendRequest, bool) {
	m, found := c.timeline.Find(sessionID, localID)
	if found && (!m.IsLocal || m.Status != model.StatusFailed) {
		return model.SendRequest{}, false
	}
	if c.recorder != nil {
		if e, err := c.recorder.GetOutbox(localID); err == nil && e.Status == store.OutboxFailed {
			if !found {
				c.timeline.Append(c.echo(e.Request))
			}
			return e.Request, true
		}
	}
	if !found {
		return model.SendRequest{}, false
	}
	req := model.SendRequest{
		SessionID:       sessionID,
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		Type:            m.Type,
		Content:         m.Content,
		ClientMessageID: localID,
		Metadata:        m.Metadata,
	}
	if m.Attachment != nil {
		req.AttachmentID = m.Attachment.ID
	}
	return req, true
}

func (c *Coordinator) echo(req model.SendRequest) model.Message {
	return model.Message{
		ID:              req.ClientMessageID,
		LocalID:         req.ClientMessageID,
		ClientMessageID: req.ClientMessageID,
		SessionID:       req.SessionID,
		SenderID:        req.SenderID,
		RecipientID:     req.RecipientID,
		Type:            req.Type,
		Content:         req.Content,
		CreatedAt:       c.now(),
		Status:          model.StatusSending,
		IsLocal:         true,
		Metadata:        maps.Clone(req.Metadata),
	}
}

func (c *Coordinator) acknowledge(req model.SendRequest, messageID, via string) {
	if c.recorder != nil {
		if err := c.recorder.MarkOutboxSent(req.ClientMessageID, messageID); err != nil {
			c.logger.Warn("failed to update outbox", zap.String("client_msg_id", req.ClientMessageID), zap.Error(err))
		}
	}
	c.bus.Emit(bus.KindMessageSendAck, bus.SendResult{
		SessionID:       req.SessionID,
		ClientMessageID: req.ClientMessageID,
		MessageID:       messageID,
		Via:             via,
	})
}

func (c *Coordinator) fail(req model.SendRequest, err error) {
	c.timeline.Update(req.SessionID, req.ClientMessageID, model.StatusPatch(model.StatusFailed, true))
	if c.recorder != nil {
		if rerr := c.recorder.RecordOutboxFailure(req.ClientMessageID, req, err.Error()); rerr != nil {
			c.logger.Warn("failed to record outbox entry", zap.String("client_msg_id", req.ClientMessageID), zap.Error(rerr))
		}
	}
	c.bus.Emit(bus.KindMessageSendFail, bus.SendResult{
		SessionID:       req.SessionID,
		ClientMessageID: req.ClientMessageID,
		Err:             err.Error(),
	})
}
