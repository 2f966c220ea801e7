package channel

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"Relay/pkg/types"
)

func (c *Channel) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.inbox:
			c.Dispatch(ctx, data)
		}
	}
}

// Dispatch handles one inbound frame and returns the number of acks
// produced. Items are executed one at a time in the order they appear.
// A running item is not cancelled when ctx ends.
func (c *Channel) Dispatch(ctx context.Context, data []byte) int {
	if !gjson.ValidBytes(data) {
		c.replyError("", types.CodeMalformed, "frame is not valid JSON")
		return 0
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		c.replyError("", types.CodeMalformed, "frame is not an object")
		return 0
	}

	feature := root.Get("feature").String()
	if feature == "" {
		// Relays may echo our own frames back.
		if root.Get("type").Exists() {
			c.log.Debug().Str("type", root.Get("type").String()).Msg("Ignoring frame without feature")
			return 0
		}
		c.replyError(root.Get("id").String(), types.CodeMalformed, "missing feature")
		return 0
	}

	h := c.handler(feature)
	if h == nil {
		c.replyError(root.Get("id").String(), types.CodeUnknownFeature, fmt.Sprintf("unknown feature %q", feature))
		return 0
	}

	var items []gjson.Result
	switch list := root.Get("data"); {
	case list.IsArray():
		items = list.Array()
	case list.IsObject():
		items = []gjson.Result{list}
	default:
		c.replyError(root.Get("id").String(), types.CodeMalformed, "data must be a list of items")
		return 0
	}

	run := context.WithoutCancel(ctx)
	acks := 0
	for _, raw := range items {
		item := ParseItem(raw)
		if !c.targets(item) {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		} else if !c.processed.Add(item.ID) {
			c.log.Warn().Str("id", item.ID).Msg("Duplicate request, not executing")
			c.sendAck(types.Failed(item, types.CodeDuplicate, "request already processed", nil))
			acks++
			continue
		}
		ack := c.execute(run, h, item)
		if ack.Status == types.StatusFailed {
			// failed work may be resent with a higher retry
			c.processed.Remove(item.ID)
		}
		c.sendAck(ack)
		acks++
	}
	return acks
}

// targets reports whether item is addressed to this device and transport.
func (c *Channel) targets(item types.Item) bool {
	if item.Device != c.cfg.DeviceID {
		return false
	}
	if item.Connection != "" && c.cfg.Connection != "" && !strings.EqualFold(item.Connection, c.cfg.Connection) {
		return false
	}
	return true
}

func (c *Channel) execute(ctx context.Context, h Handler, item types.Item) (ack types.Ack) {
	log := c.log.With().Str("id", item.ID).Str("platform", item.Platform).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Handler panicked")
			ack = types.Failed(item, types.CodePanic, fmt.Sprint(r), nil)
		}
	}()

	log.Info().Msg("Executing request")
	ack = h(ctx, item)
	if ack.ID == "" {
		ack.ID = item.ID
	}
	if ack.Status == "" {
		ack.Status = types.StatusSuccess
	}
	if ack.Status == types.StatusFailed {
		log.Warn().Str("code", ack.Code).Str("reason", ack.Message).Msg("Request failed")
	}
	return ack
}

func (c *Channel) sendAck(ack types.Ack) {
	if err := c.Send(ack.Frame()); err != nil {
		c.log.Warn().Err(err).Str("id", ack.ID).Msg("Ack not delivered")
	}
}

func (c *Channel) replyError(id, code, message string) {
	c.log.Warn().Str("code", code).Msg(message)
	msg := types.Message{"type": types.TypeError, "code": code, "message": message}
	if id != "" {
		msg["id"] = id
	}
	if err := c.Send(msg); err != nil {
		c.log.Debug().Err(err).Msg("Error reply not delivered")
	}
}

// ParseItem reads an item leniently: numbers may arrive as strings and a
// single locator may arrive as a plain string.
func ParseItem(v gjson.Result) types.Item {
	item := types.Item{
		ID:         v.Get("id").String(),
		Device:     v.Get("device").String(),
		Connection: v.Get("connection").String(),
		Platform:   strings.ToUpper(strings.TrimSpace(v.Get("platform").String())),
		To:         v.Get("to").String(),
		Text:       v.Get("text").String(),
		Sim:        int(v.Get("sim").Int()),
		Delay:      v.Get("delay").Float(),
		Type:       v.Get("type").String(),
		Permission: v.Get("permission").String(),
		Package:    v.Get("package").String(),
		Cmd:        v.Get("cmd").String(),
		Code:       v.Get("code").String(),
		Retry:      int(v.Get("retry").Int()),
	}
	switch loc := v.Get("locators"); {
	case loc.IsArray():
		loc.ForEach(func(_, l gjson.Result) bool {
			if s := l.String(); s != "" {
				item.Locators = append(item.Locators, s)
			}
			return true
		})
	case loc.String() != "":
		item.Locators = []string{loc.String()}
	}
	return item
}
