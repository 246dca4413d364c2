package collector

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/beacon/internal/transport/httpfallback"
	"github.com/snehjoshi/beacon/internal/wire"
)

const (
	wsWriteWait     = 10 * time.Second
	maxFallbackBody = 8 << 20
)

var upgrader = gorillaws.Upgrader{
	// Same-origin check on the host portion. Requests without an Origin
	// header (native SDK clients) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// serveEvents upgrades the connection and answers every batch frame with an
// ack frame. Pings are answered by the library's default handler.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("collector: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	s.logger.Info("collector: socket client connected", "remote", r.RemoteAddr)

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.logger.Debug("collector: socket read", "remote", r.RemoteAddr, "err", err)
			}
			s.logger.Info("collector: socket client disconnected", "remote", r.RemoteAddr)
			return
		}
		if typ != gorillaws.BinaryMessage {
			continue
		}

		var ack wire.Ack
		batch, sentAt, err := wire.UnmarshalBatch(raw)
		if err != nil {
			guid, _ := wire.BatchGUID(raw)
			s.logger.Warn("collector: bad batch frame", "guid", guid, "err", err)
			ack = wire.Ack{GUID: guid, Status: wire.StatusRejected, Code: wire.CodeBadRequest, Detail: err.Error()}
		} else {
			ack = s.accept("socket", batch, sentAt)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(gorillaws.BinaryMessage, wire.MarshalAck(ack)); err != nil {
			s.logger.Warn("collector: write ack", "guid", ack.GUID, "err", err)
			return
		}
	}
}

// fallback accepts one batch over HTTP. A signature is required when the
// collector has a secret.
func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r, maxFallbackBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if s.cfg.Secret != "" && !httpfallback.Verify(s.cfg.Secret, body, r.Header.Get(httpfallback.HeaderSignature)) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}

	batch, sentAt, err := wire.UnmarshalBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack := s.accept("fallback", batch, sentAt)
	if !ack.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, ack)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
