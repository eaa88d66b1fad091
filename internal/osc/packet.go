// Package osc implements the OSC-style wire format spoken between the control
// node and its clients: messages with typed arguments, time-tagged bundles and
// their big-endian, 4-byte aligned binary encoding.
package osc

import (
	"errors"
	"fmt"
	"strings"
)

// BundleMarker is the address every encoded bundle starts with.
const BundleMarker = "#bundle"

var (
	// ErrMalformed reports a buffer that does not hold a well-formed packet.
	ErrMalformed = errors.New("osc: malformed packet")
	// ErrUnknownTag reports a type tag character this codec does not know.
	ErrUnknownTag = errors.New("osc: unknown type tag")
	// ErrUnsupportedType reports an argument whose Go type has no wire form.
	ErrUnsupportedType = errors.New("osc: unsupported argument type")
	// ErrTimeOrder reports a nested bundle scheduled before its parent.
	ErrTimeOrder = errors.New("osc: nested bundle time tag precedes parent")
	// ErrArgument reports a missing argument or one of an unexpected type.
	ErrArgument = errors.New("osc: bad argument")
)

// Packet is either a *Message or a *Bundle.
type Packet interface {
	Address() string
	IsBundle() bool
	packet()
}

// Message is an addressed list of typed arguments.
//
// Arguments are int32, float32, string, []byte, TimeTag or int64.
type Message struct {
	Addr string
	Args []any
}

// NewMessage returns a message for addr carrying args. Plain Go ints are
// stored as int32.
func NewMessage(addr string, args ...any) *Message {
	m := &Message{Addr: addr}
	for _, a := range args {
		m.Args = append(m.Args, normalize(a))
	}
	return m
}

func (m *Message) Address() string { return m.Addr }
func (m *Message) IsBundle() bool  { return false }
func (m *Message) packet()         {}

// Append adds arguments to the end of the message.
func (m *Message) Append(args ...any) error {
	for _, a := range args {
		a = normalize(a)
		if _, err := tagOf(a); err != nil {
			return err
		}
		m.Args = append(m.Args, a)
	}
	return nil
}

// TypeTags returns the type tag string of the message, including the
// leading comma.
func (m *Message) TypeTags() (string, error) {
	var sb strings.Builder
	sb.WriteByte(',')
	for _, a := range m.Args {
		tag, err := tagOf(a)
		if err != nil {
			return "", err
		}
		sb.WriteByte(tag)
	}
	return sb.String(), nil
}

func (m *Message) String() string {
	tags, err := m.TypeTags()
	if err != nil {
		tags = "?"
	}
	return fmt.Sprintf("%s %s %v", m.Addr, tags, m.Args)
}

func (m *Message) arg(i int) (any, error) {
	if i < 0 || i >= len(m.Args) {
		return nil, fmt.Errorf("%w: %s has %d arguments, want index %d", ErrArgument, m.Addr, len(m.Args), i)
	}
	return m.Args[i], nil
}

func argType[T any](m *Message, i int) (T, error) {
	var zero T
	a, err := m.arg(i)
	if err != nil {
		return zero, err
	}
	v, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s argument %d is %T, want %T", ErrArgument, m.Addr, i, a, zero)
	}
	return v, nil
}

// Int32 returns argument i as an int32.
func (m *Message) Int32(i int) (int32, error) { return argType[int32](m, i) }

// Int64 returns argument i as an int64.
func (m *Message) Int64(i int) (int64, error) { return argType[int64](m, i) }

// Float32 returns argument i as a float32.
func (m *Message) Float32(i int) (float32, error) { return argType[float32](m, i) }

// StringArg returns argument i as a string.
func (m *Message) StringArg(i int) (string, error) { return argType[string](m, i) }

// Blob returns argument i as a byte slice.
func (m *Message) Blob(i int) ([]byte, error) { return argType[[]byte](m, i) }

// TimeTag returns argument i as a TimeTag.
func (m *Message) TimeTag(i int) (TimeTag, error) { return argType[TimeTag](m, i) }

// Bundle groups packets under a single time tag.
type Bundle struct {
	Time    TimeTag
	Packets []Packet
}

// NewBundle returns a bundle scheduled at tt holding packets. It fails with
// ErrTimeOrder if a nested bundle is scheduled before tt.
func NewBundle(tt TimeTag, packets ...Packet) (*Bundle, error) {
	b := &Bundle{Time: tt}
	for _, p := range packets {
		if err := b.Append(p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Bundle) Address() string { return BundleMarker }
func (b *Bundle) IsBundle() bool  { return true }
func (b *Bundle) packet()         {}

// Append adds p to the bundle.
func (b *Bundle) Append(p Packet) error {
	if err := b.checkChild(p); err != nil {
		return err
	}
	b.Packets = append(b.Packets, p)
	return nil
}

// Messages returns every message in the bundle, depth first.
func (b *Bundle) Messages() []*Message {
	var out []*Message
	for _, p := range b.Packets {
		switch p := p.(type) {
		case *Message:
			out = append(out, p)
		case *Bundle:
			out = append(out, p.Messages()...)
		}
	}
	return out
}

func (b *Bundle) checkChild(p Packet) error {
	switch p := p.(type) {
	case *Message:
		return nil
	case *Bundle:
		if p.Time.Before(b.Time) {
			return fmt.Errorf("%w: %s < %s", ErrTimeOrder, p.Time, b.Time)
		}
		return nil
	default:
		return fmt.Errorf("%w: packet %T", ErrUnsupportedType, p)
	}
}

// normalize maps int to int32 and a nil blob to an empty one, the form
// Decode produces.
func normalize(a any) any {
	switch v := a.(type) {
	case int:
		return int32(v)
	case []byte:
		if v == nil {
			return []byte{}
		}
	}
	return a
}

func tagOf(a any) (byte, error) {
	switch a.(type) {
	case int32:
		return 'i', nil
	case float32:
		return 'f', nil
	case string:
		return 's', nil
	case []byte:
		return 'b', nil
	case TimeTag:
		return 't', nil
	case int64:
		return 'h', nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, a)
	}
}
