package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/relaybot/commands"
	"github.com/onnwee/relaybot/pubsub"
	"github.com/onnwee/relaybot/telemetry"
)

// TopicChat is the push topic carrying chat messages.
const TopicChat = "chat"

// chatPayload is the push frame body for the chat topic.
type chatPayload struct {
	EID   string        `json:"eid"`
	Chats []chatMessage `json:"chats"`
}

type chatMessage struct {
	Type     int    `json:"type"`
	Content  string `json:"content"`
	NickName string `json:"nick_name"`
	SenderID int64  `json:"sender_id"`
	UID      int64  `json:"uid"`
}

// normal chat; other types (spells, subs, system notices) are not commands.
const chatTypeNormal = 0

// Enqueuer is the slice of the outbox the inbound path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, channelID, message string) (int64, error)
}

// InboundHandler turns push frames into command replies: parse the chat
// payload, signal the chatter downstream, match against the channel's
// commands, and enqueue any reply on the outbox.
type InboundHandler struct {
	engine   *commands.Engine
	outbox   Enqueuer
	notifier *ChatterNotifier
}

func NewInboundHandler(engine *commands.Engine, outbox Enqueuer, notifier *ChatterNotifier) *InboundHandler {
	return &InboundHandler{engine: engine, outbox: outbox, notifier: notifier}
}

// Handler returns the per-channel pubsub handler. ctx is the relay's
// lifecycle context; once it is cancelled, in-flight frames stop matching
// and enqueuing so shutdown stays cooperative.
func (h *InboundHandler) Handler(ctx context.Context, channelID string) pubsub.Handler {
	return func(topic string, payload json.RawMessage) {
		if topic != TopicChat || ctx.Err() != nil {
			return
		}
		var p chatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("bad chat payload", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "relay"))
			return
		}
		for _, msg := range p.Chats {
			if msg.Type != chatTypeNormal || msg.Content == "" {
				continue
			}
			h.handleMessage(ctx, channelID, msg)
		}
	}
}

func (h *InboundHandler) handleMessage(ctx context.Context, channelID string, msg chatMessage) {
	telemetry.MessagesReceived.Inc()
	senderID := msg.SenderID
	if senderID == 0 {
		senderID = msg.UID
	}
	sender := commands.Sender{UserID: strconv.FormatInt(senderID, 10), Login: msg.NickName}

	go h.notifier.ChatterSeen(channelID, sender.UserID, sender.Login)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, ok, err := h.engine.Match(ctx, channelID, sender, msg.Content)
	if err != nil {
		slog.Warn("command match failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "relay"))
		return
	}
	if !ok {
		return
	}
	telemetry.CommandsMatched.Inc()
	if _, err := h.outbox.Enqueue(ctx, channelID, reply); err != nil {
		slog.Error("enqueue reply failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "relay"))
	}
}
