package rest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/AzielCF/az-gateway/infrastructure/platform"
)

const webchatHeartbeat = 25 * time.Second

type Webchat struct {
	hub *platform.WebchatHub
}

// InitRestWebchat exposes live webchat sessions as server-sent events. A
// browser keeps this stream open while the conversation is on screen;
// outbound replies and typing signals arrive as SSE data frames.
func InitRestWebchat(app fiber.Router, hub *platform.WebchatHub) Webchat {
	handler := Webchat{hub: hub}
	app.Get("/webchat/:phone_number_id/:customer_phone/stream", handler.Stream)
	return handler
}

func (h *Webchat) Stream(c *fiber.Ctx) error {
	phoneNumberID := c.Params("phone_number_id")
	customerPhone := c.Params("customer_phone")

	events, unsubscribe := h.hub.Subscribe(phoneNumberID, customerPhone)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		ticker := time.NewTicker(webchatHeartbeat)
		defer ticker.Stop()

		for {
			select {
			case evt, ok := <-events:
				if !ok {
					// Replaced by a newer subscriber for the same session.
					return
				}
				payload, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}
