/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package fake scripts protocol sockets for tests: emitted events,
// send outcomes and dial failures are all under test control.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/gravitational/wahost/lib/waproto"
)

// Sent records one Send call.
type Sent struct {
	To      string
	Content map[string]any
	ID      string
}

// Socket is a scriptable waproto.Socket.
type Socket struct {
	// Params are the dial parameters that produced this socket.
	Params waproto.DialParams

	mu      sync.Mutex
	events  chan waproto.Event
	closed  bool
	open    bool
	sent    []Sent
	sendErr error
	nextID  int
	logouts int
}

// NewSocket creates an unconnected scripted socket.
func NewSocket() *Socket {
	return &Socket{events: make(chan waproto.Event, 256)}
}

// Emit delivers events to the consumer in order, tracking the open
// state the way a real socket would. Events after Close are dropped.
func (s *Socket) Emit(events ...waproto.Event) {
	for _, event := range events {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		switch event.(type) {
		case waproto.ConnectedEvent:
			s.open = true
		case waproto.DisconnectedEvent:
			s.open = false
		}
		ch := s.events
		s.mu.Unlock()
		ch <- event
	}
}

// Events implements waproto.Socket.
func (s *Socket) Events() <-chan waproto.Event { return s.events }

// Send implements waproto.Socket.
func (s *Socket) Send(ctx context.Context, to string, content map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.nextID++
	id := fmt.Sprintf("3EB0%08X", s.nextID)
	s.sent = append(s.sent, Sent{To: to, Content: content, ID: id})
	return id, nil
}

// SetSendError scripts the outcome of subsequent Send calls.
func (s *Socket) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SentMessages returns every recorded Send.
func (s *Socket) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// IsOpen implements waproto.Socket.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

// Logout implements waproto.Socket.
func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.logouts++
	s.mu.Unlock()
	return s.Close()
}

// Logouts returns how many times Logout was called.
func (s *Socket) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

// Close implements waproto.Socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.open = false
	close(s.events)
	return nil
}

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dialer is a scriptable waproto.Dialer handing out fake sockets.
type Dialer struct {
	mu sync.Mutex
	// OnDial, when set, can veto a dial or capture its parameters.
	OnDial  func(params waproto.DialParams) error
	sockets []*Socket
}

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements waproto.Dialer.
func (d *Dialer) Dial(ctx context.Context, params waproto.DialParams) (waproto.Socket, error) {
	d.mu.Lock()
	onDial := d.OnDial
	d.mu.Unlock()
	if onDial != nil {
		if err := onDial(params); err != nil {
			return nil, err
		}
	}
	socket := NewSocket()
	socket.Params = params
	d.mu.Lock()
	d.sockets = append(d.sockets, socket)
	d.mu.Unlock()
	return socket, nil
}

// DialCount returns how many sockets were dialed.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// Socket returns the i-th dialed socket.
func (d *Dialer) Socket(i int) *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// LastSocket returns the most recently dialed socket, or nil.
func (d *Dialer) LastSocket() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}
