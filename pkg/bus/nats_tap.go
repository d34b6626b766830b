package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DiagnosticTapSubject is where every published event is mirrored, in
// addition to being appended to the bus's own ring buffer.
const DiagnosticTapSubject = "fractal.events"

// natsTap embeds a single-process NATS server and mirrors every published
// Event onto DiagnosticTapSubject as a best-effort diagnostic feed so
// external tooling can tail the bus without linking the Go API. It never affects
// dispatch: publish failures are logged, not returned.
type natsTap struct {
	srv  *server.Server
	conn *nats.Conn
}

func newNATSTap() (*natsTap, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: embedded nats server not ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: nats client connect: %w", err)
	}
	return &natsTap{srv: srv, conn: nc}, nil
}

func (t *natsTap) mirror(e Event) {
	if t == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("bus: diagnostic tap marshal failed", "event_id", e.ID, "error", err)
		return
	}
	if err := t.conn.Publish(DiagnosticTapSubject, payload); err != nil {
		slog.Warn("bus: diagnostic tap publish failed", "event_id", e.ID, "error", err)
	}
}

func (t *natsTap) close() {
	if t == nil {
		return
	}
	t.conn.Close()
	t.srv.Shutdown()
}
