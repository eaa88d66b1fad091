package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

var bundlePrefix = []byte(BundleMarker + "\x00")

// Encode returns the wire form of p.
func Encode(p Packet) ([]byte, error) {
	return appendPacket(nil, p)
}

func appendPacket(dst []byte, p Packet) ([]byte, error) {
	switch p := p.(type) {
	case *Message:
		return appendMessage(dst, p)
	case *Bundle:
		return appendBundle(dst, p)
	default:
		return nil, fmt.Errorf("%w: packet %T", ErrUnsupportedType, p)
	}
}

func appendMessage(dst []byte, m *Message) ([]byte, error) {
	if m.Addr == "" || m.Addr == BundleMarker {
		return nil, fmt.Errorf("%w: invalid message address %q", ErrMalformed, m.Addr)
	}
	tags, err := m.TypeTags()
	if err != nil {
		return nil, err
	}
	if dst, err = appendString(dst, m.Addr); err != nil {
		return nil, err
	}
	if dst, err = appendString(dst, tags); err != nil {
		return nil, err
	}
	for _, a := range m.Args {
		switch v := a.(type) {
		case int32:
			dst = binary.BigEndian.AppendUint32(dst, uint32(v))
		case float32:
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(v))
		case string:
			if dst, err = appendString(dst, v); err != nil {
				return nil, err
			}
		case []byte:
			dst = appendBlob(dst, v)
		case TimeTag:
			dst = appendTimeTag(dst, v)
		case int64:
			dst = binary.BigEndian.AppendUint64(dst, uint64(v))
		}
	}
	return dst, nil
}

func appendBundle(dst []byte, b *Bundle) ([]byte, error) {
	dst = append(dst, bundlePrefix...)
	dst = appendTimeTag(dst, b.Time)
	for _, child := range b.Packets {
		if err := b.checkChild(child); err != nil {
			return nil, err
		}
		start := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		var err error
		if dst, err = appendPacket(dst, child); err != nil {
			return nil, err
		}
		size := len(dst) - start - 4
		if size%4 != 0 {
			return nil, fmt.Errorf("%w: bundle element of %d bytes is not 4-byte aligned", ErrMalformed, size)
		}
		binary.BigEndian.PutUint32(dst[start:], uint32(size))
	}
	return dst, nil
}

// appendString writes s followed by one to four NULs.
func appendString(dst []byte, s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("%w: string %q contains NUL", ErrMalformed, s)
	}
	dst = append(dst, s...)
	return append(dst, make([]byte, 4-len(s)%4)...), nil
}

func appendBlob(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	dst = append(dst, b...)
	return append(dst, make([]byte, pad4(len(b)))...)
}

func appendTimeTag(dst []byte, t TimeTag) []byte {
	dst = binary.BigEndian.AppendUint32(dst, t.sec)
	return binary.BigEndian.AppendUint32(dst, t.ms)
}

func pad4(n int) int { return (4 - n%4) % 4 }

// Decode parses one packet occupying all of data.
func Decode(data []byte) (Packet, error) {
	pos := 0
	p, err := decodePacket(data, &pos, len(data))
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-pos)
	}
	return p, nil
}

// decodePacket reads the packet starting at *pos, never reading at or past end.
func decodePacket(data []byte, pos *int, end int) (Packet, error) {
	if end-*pos >= len(bundlePrefix) && bytes.Equal(data[*pos:*pos+len(bundlePrefix)], bundlePrefix) {
		return decodeBundle(data, pos, end)
	}
	return decodeMessage(data, pos, end)
}

func decodeBundle(data []byte, pos *int, end int) (*Bundle, error) {
	marker, err := readString(data, pos, end)
	if err != nil {
		return nil, err
	}
	if marker != BundleMarker {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrMalformed, BundleMarker, marker)
	}
	tt, err := readTimeTag(data, pos, end)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Time: tt}
	for *pos < end {
		size, err := readUint32(data, pos, end)
		if err != nil {
			return nil, err
		}
		if size%4 != 0 || int64(size) > int64(end-*pos) {
			return nil, fmt.Errorf("%w: bundle element size %d with %d bytes left", ErrMalformed, size, end-*pos)
		}
		start, elemEnd := *pos, *pos+int(size)
		child, err := decodePacket(data, pos, elemEnd)
		if err != nil {
			return nil, err
		}
		if *pos != elemEnd {
			return nil, fmt.Errorf("%w: bundle element declares %d bytes, used %d", ErrMalformed, size, *pos-start)
		}
		if err := b.Append(child); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func decodeMessage(data []byte, pos *int, end int) (*Message, error) {
	addr, err := readString(data, pos, end)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: empty address", ErrMalformed)
	}
	m := &Message{Addr: addr}
	if *pos == end {
		return m, nil
	}
	tags, err := readString(data, pos, end)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(tags, ",") {
		return nil, fmt.Errorf("%w: type tag string %q lacks leading comma", ErrMalformed, tags)
	}
	for _, tag := range []byte(tags[1:]) {
		var arg any
		switch tag {
		case 'i':
			v, err := readUint32(data, pos, end)
			if err != nil {
				return nil, err
			}
			arg = int32(v)
		case 'f':
			v, err := readUint32(data, pos, end)
			if err != nil {
				return nil, err
			}
			arg = math.Float32frombits(v)
		case 's':
			if arg, err = readString(data, pos, end); err != nil {
				return nil, err
			}
		case 'b':
			if arg, err = readBlob(data, pos, end); err != nil {
				return nil, err
			}
		case 't':
			if arg, err = readTimeTag(data, pos, end); err != nil {
				return nil, err
			}
		case 'h':
			hi, err := readUint32(data, pos, end)
			if err != nil {
				return nil, err
			}
			lo, err := readUint32(data, pos, end)
			if err != nil {
				return nil, err
			}
			arg = int64(uint64(hi)<<32 | uint64(lo))
		default:
			return nil, fmt.Errorf("%w: %q in %q", ErrUnknownTag, tag, tags)
		}
		m.Args = append(m.Args, arg)
	}
	return m, nil
}

func readString(data []byte, pos *int, end int) (string, error) {
	n := bytes.IndexByte(data[*pos:end], 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, *pos)
	}
	next := *pos + n + 4 - n%4
	if next > end {
		return "", fmt.Errorf("%w: string padding runs past offset %d", ErrMalformed, end)
	}
	s := string(data[*pos : *pos+n])
	*pos = next
	return s, nil
}

func readUint32(data []byte, pos *int, end int) (uint32, error) {
	if end-*pos < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes at offset %d, have %d", ErrMalformed, *pos, end-*pos)
	}
	v := binary.BigEndian.Uint32(data[*pos:])
	*pos += 4
	return v, nil
}

func readBlob(data []byte, pos *int, end int) ([]byte, error) {
	size, err := readUint32(data, pos, end)
	if err != nil {
		return nil, err
	}
	padded := int64(size) + int64(pad4(int(size%4)))
	if padded > int64(end-*pos) {
		return nil, fmt.Errorf("%w: blob of %d bytes runs past offset %d", ErrMalformed, size, end)
	}
	b := make([]byte, size)
	copy(b, data[*pos:])
	*pos += int(padded)
	return b, nil
}

func readTimeTag(data []byte, pos *int, end int) (TimeTag, error) {
	sec, err := readUint32(data, pos, end)
	if err != nil {
		return TimeTag{}, err
	}
	ms, err := readUint32(data, pos, end)
	if err != nil {
		return TimeTag{}, err
	}
	return timeTagFromWire(sec, ms)
}
