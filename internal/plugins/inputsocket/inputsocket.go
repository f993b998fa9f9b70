// Package inputsocket receives events over TCP. Each connection carries one
// batch: newline-delimited serialized events, closed for writing by the
// sender. The plugin replies with a single confirmation byte, "1" once the
// whole batch is in the buffer and "0" otherwise, so the sender can retry
// safely. At-least-once: a batch whose confirmation is lost may be re-sent.
package inputsocket

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

const (
	// maxEventBytes bounds a single serialized event line.
	maxEventBytes = 8 << 20

	// transmitTimeout bounds how long one connection may take to deliver
	// its batch.
	transmitTimeout = 60 * time.Second
)

func init() {
	plugin.Register("input_socket", plugin.KindInput, New)
}

type socketInput struct {
	api      plugin.API
	hostname string
	port     int

	lis net.Listener
	wg  sync.WaitGroup
}

// New builds the plugin from its config args.
func New(api plugin.API, args map[string]interface{}) (plugin.Plugin, error) {
	hostname, err := plugin.ArgString(args, "hostname", "0.0.0.0")
	if err != nil {
		return nil, err
	}
	port, err := plugin.ArgInt(args, "port", 8880)
	if err != nil {
		return nil, err
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port out of range: %d", port)
	}
	return &socketInput{api: api, hostname: hostname, port: port}, nil
}

func (p *socketInput) SetUp() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.hostname, p.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.lis = lis
	p.api.Logger().Info("listening for events", log.Str("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (p *socketInput) Addr() net.Addr { return p.lis.Addr() }

func (p *socketInput) Main() {
	// Accept has no stop hook; close the listener when the plugin is
	// asked to stop so the accept loop unblocks.
	go func() {
		for p.api.Sleep(100 * time.Millisecond) {
		}
		_ = p.lis.Close()
	}()
	for {
		conn, err := p.lis.Accept()
		if err != nil {
			if p.api.IsStopping() {
				return
			}
			p.api.Logger().Error("accept failed", log.Err(err))
			if !p.api.Sleep(time.Second) {
				return
			}
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

func (p *socketInput) TearDown() error {
	_ = p.lis.Close()
	p.wg.Wait()
	return nil
}

// handleConn reads one batch off the connection and confirms it.
func (p *socketInput) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(transmitTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	var events []*event.Event
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := event.Deserialize(line)
		if err != nil {
			p.api.Logger().Error("bad event from sender",
				log.Str("remote", conn.RemoteAddr().String()), log.Err(err))
			p.confirm(conn, false)
			return
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		p.api.Logger().Error("receive failed",
			log.Str("remote", conn.RemoteAddr().String()), log.Err(err))
		p.confirm(conn, false)
		return
	}
	if len(events) > 0 {
		if err := p.api.Emit(events); err != nil {
			p.api.Logger().Error("emit failed", log.Err(err))
			p.confirm(conn, false)
			return
		}
	}
	p.confirm(conn, true)
}

func (p *socketInput) confirm(conn net.Conn, ok bool) {
	b := []byte("0")
	if ok {
		b = []byte("1")
	}
	_, _ = conn.Write(b)
}
