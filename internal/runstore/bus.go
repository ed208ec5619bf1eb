package runstore

import (
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus is the internal event bus described in the Run Store & Tracer
// component design: an embedded NATS server, in-process only, that lets
// a CLI progress view or another in-process observer subscribe to
// verified-finding and stats-snapshot events without polling the run
// directory. It is strictly best-effort — every publish/subscribe
// failure is swallowed by the caller, never surfaced as a Store error,
// because the filesystem (not the bus) is the single source of truth.
type Bus struct {
	ns *server.Server
	nc *nats.Conn
}

const (
	SubjectVerifiedFinding = "strix.findings.verified"
	SubjectStats           = "strix.stats"
	SubjectAgentEvent      = "strix.agents.events"
)

// NewBus starts an embedded NATS server bound to loopback on an
// OS-assigned port and connects a client to it. No external NATS
// deployment is required or contacted.
func NewBus() (*Bus, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // OS-assigned
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, errBusNotReady
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, err
	}
	return &Bus{ns: ns, nc: nc}, nil
}

var errBusNotReady = busError("embedded NATS server did not become ready")

type busError string

func (e busError) Error() string { return string(e) }

// Publish is a best-effort, fire-and-forget publish; a nil Bus or a
// disconnected client is a silent no-op.
func (b *Bus) Publish(subject string, data []byte) {
	if b == nil || b.nc == nil {
		return
	}
	_ = b.nc.Publish(subject, data)
}

// Subscribe registers cb for every message on subject. A nil Bus
// returns a nil subscription and nil error; callers that need a live
// bus should check Store.Bus() != nil first.
func (b *Bus) Subscribe(subject string, cb func(data []byte)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) { cb(m.Data) })
}

// Close tears down the client connection and the embedded server.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
}
