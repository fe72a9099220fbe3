package push

import "github.com/agenthands/verity/internal/core/model"

// Frame types exchanged over the websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
)

type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Data    *model.PushData `json:"data,omitempty"`
}

func EventFrame(ev model.PushEvent) Frame {
	return Frame{
		Type:    FrameEvent,
		Channel: ev.Channel,
		Event:   ev.EventName,
		Data:    &model.PushData{Message: ev.Payload, ActorSessionID: ev.OriginSessionID},
	}
}

func (f Frame) PushEvent() model.PushEvent {
	ev := model.PushEvent{Channel: f.Channel, EventName: f.Event}
	if f.Data != nil {
		ev.Payload = f.Data.Message
		ev.OriginSessionID = f.Data.ActorSessionID
	}
	return ev
}
