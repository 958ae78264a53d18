package main

import (
	"log/slog"

	"github.com/kilnhq/swarm"
)

// echoHandler replies with whatever it receives, the same demonstration
// service the teacher's playground wired up, adapted from a
// theatre.Receiver to a swarm.Handler.
type echoHandler struct {
	logger *slog.Logger
	server *swarm.Server
}

func newEchoHandler(server *swarm.Server, logger *slog.Logger) func() swarm.Handler {
	return func() swarm.Handler {
		return &echoHandler{server: server, logger: logger}
	}
}

func (h *echoHandler) Init(cfg string) bool {
	h.logger.Info("echo initialized", "config", cfg)
	return true
}

func (h *echoHandler) Dispatch(msg *swarm.Message) error {
	if msg.Session == 0 {
		h.logger.Info("echo received", "header", msg.Header)
		return nil
	}
	sender, receiver := msg.Sender, msg.Receiver
	payload, header, typ := msg.Payload, msg.Header, msg.Type
	msg.Resend(receiver, sender, header, typ)
	return h.server.Send(msg.Sender, msg.Receiver, payload, msg.Header, msg.Session, msg.Type)
}

func (h *echoHandler) OnTimer(swarm.TimerID) {}

func (h *echoHandler) Exit() { h.logger.Info("echo exiting") }

func (h *echoHandler) Destroy() {}
