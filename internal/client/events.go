package client

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	topicNewPublication     = "client:publication:new"
	topicNewSubscription    = "client:subscription:new"
	topicAvailableCounter   = "client:counter:available"
	topicUnavailableCounter = "client:counter:unavailable"
	topicCloseClient        = "client:close"
	topicError              = "client:error"
)

// subscribeCallbacks wires the context callbacks onto the client's bus. Every
// publish happens on the conductor, so callbacks run there too.
func (c *Client) subscribeCallbacks(ctx *Context) error {
	subs := []struct {
		topic string
		fn    any
		set   bool
	}{
		{topicNewPublication, ctx.OnNewPublication, ctx.OnNewPublication != nil},
		{topicNewSubscription, ctx.OnNewSubscription, ctx.OnNewSubscription != nil},
		{topicAvailableCounter, ctx.OnAvailableCounter, ctx.OnAvailableCounter != nil},
		{topicUnavailableCounter, ctx.OnUnavailableCounter, ctx.OnUnavailableCounter != nil},
		{topicCloseClient, ctx.OnCloseClient, ctx.OnCloseClient != nil},
		{topicError, ctx.ErrorHandler, ctx.ErrorHandler != nil},
	}
	for _, s := range subs {
		if !s.set {
			continue
		}
		if err := c.bus.Subscribe(s.topic, s.fn); err != nil {
			return fmt.Errorf("client: subscribe %s: %w", s.topic, err)
		}
	}
	c.hasErrorHandler = ctx.ErrorHandler != nil
	return nil
}

func (c *Client) publish(topic string, args ...any) {
	if !c.bus.HasCallback(topic) {
		return
	}
	c.safeCall(topic, func() { c.bus.Publish(topic, args...) })
}

// reportError records err and hands it to the error handler, or logs it when there is none.
func (c *Client) reportError(err error) {
	c.recordError(err)
	if c.hasErrorHandler {
		c.publish(topicError, err)
		return
	}
	log.Warn().Err(err).Str("component", "client").Int64("client_id", c.id).Msg("client.Client error")
}

// safeCall keeps a panicking user callback from taking the conductor down.
func (c *Client) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("client: %s panicked: %v", what, r)
			c.recordError(err)
			log.Error().Err(err).Int64("client_id", c.id).Msg("client.Client.safeCall")
		}
	}()
	fn()
}
