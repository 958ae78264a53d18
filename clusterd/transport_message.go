package clusterd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kilnhq/swarm"
)

// Transport wire-protocol tags.
//
// Frame format: [4-byte big-endian payload length][1-byte tag][binary-encoded message]
// Payload length covers the tag byte plus the encoded bytes.
const (
	TagServiceForward      byte = 1
	TagServiceForwardReply byte = 2
	TagNotHere             byte = 3
	TagHostFrozen          byte = 4
	TagPing                byte = 5
	TagPong                byte = 6
	TagBatch               byte = 0x10
)

// ServiceForward requests delivery of a message to a named service on a
// remote host. The body is always the fixed (header, type, payload) shape
// a swarm.Message carries — there is no arbitrary interface{} to support,
// so the wire codec below needs no gob fallback.
type ServiceForward struct {
	ServiceName  string
	Header       string
	Type         swarm.Type
	Payload      []byte
	ReplyID      int64
	SenderHostID string
}

// ServiceForwardReply carries the response to a forwarded send.
type ServiceForwardReply struct {
	ReplyID int64
	Header  string
	Type    swarm.Type
	Payload []byte
	Error   string
}

// NotHere tells the sender that the named service is not activated on this host.
type NotHere struct {
	ServiceName string
	HostID      string
	Epoch       int64
}

// HostFrozen tells the sender that this host has lost its lease and is frozen.
type HostFrozen struct {
	ServiceName string
	ReplyID     int64
	HostID      string
	Epoch       int64
}

// TransportPing is a liveness probe.
type TransportPing struct{}

// TransportPong is the reply to a TransportPing.
type TransportPong struct{}

// TransportEnvelope is a tagged transport-layer message.
type TransportEnvelope struct {
	Tag     byte
	Payload interface{} // one of *ServiceForward, *ServiceForwardReply, *NotHere, *HostFrozen, *TransportPing, *TransportPong
}

// Pools for the two highest-volume transport message types.
// These structs are allocated per-message on the decode (decodePayload)
// path. Pooling them keeps forward/reply traffic
// off the allocator on the hot path.
var serviceForwardPool = sync.Pool{
	New: func() any { return &ServiceForward{} },
}

var serviceForwardReplyPool = sync.Pool{
	New: func() any { return &ServiceForwardReply{} },
}

// recyclePayload zeros a pooled struct and returns it to its pool.
// Safe to call on any TransportEnvelope — non-pooled types are ignored.
func recyclePayload(env TransportEnvelope) {
	switch env.Tag {
	case TagServiceForward:
		if msg, ok := env.Payload.(*ServiceForward); ok {
			*msg = ServiceForward{}
			serviceForwardPool.Put(msg)
		}
	case TagServiceForwardReply:
		if msg, ok := env.Payload.(*ServiceForwardReply); ok {
			*msg = ServiceForwardReply{}
			serviceForwardReplyPool.Put(msg)
		}
	}
}

// recycleEnvelopes recycles pooled payloads and clears references in a
// batch slice so the GC doesn't keep returned structs alive via the array.
func recycleEnvelopes(envs []TransportEnvelope) {
	for i := range envs {
		recyclePayload(envs[i])
		envs[i] = TransportEnvelope{}
	}
}

// Envelope creates a TransportEnvelope with the tag inferred from the payload type.
// Returns an error if the payload is not a recognized transport message type.
// This function never panics — callers on network paths must handle the error
// and close the connection cleanly rather than crashing the host.
func Envelope(payload interface{}) (TransportEnvelope, error) {
	var tag byte
	switch payload.(type) {
	case ServiceForward, *ServiceForward:
		tag = TagServiceForward
	case ServiceForwardReply, *ServiceForwardReply:
		tag = TagServiceForwardReply
	case NotHere, *NotHere:
		tag = TagNotHere
	case HostFrozen, *HostFrozen:
		tag = TagHostFrozen
	case TransportPing, *TransportPing:
		tag = TagPing
	case TransportPong, *TransportPong:
		tag = TagPong
	default:
		return TransportEnvelope{}, fmt.Errorf("clusterd: unknown transport message type %T", payload)
	}
	return TransportEnvelope{Tag: tag, Payload: payload}, nil
}

// --- binary codec: encode ---

// appendEncodedPayload appends the binary-encoded payload fields to buf and
// returns the extended slice, with no intermediate buffer. It is the
// fast path used by transport.go's buildFrame/buildBatchFrame.
func appendEncodedPayload(buf []byte, env TransportEnvelope) ([]byte, error) {
	switch env.Tag {
	case TagServiceForward:
		var msg *ServiceForward
		switch v := env.Payload.(type) {
		case *ServiceForward:
			msg = v
		case ServiceForward:
			msg = &v
		default:
			return buf, fmt.Errorf("expected ServiceForward, got %T", env.Payload)
		}
		buf = appendStr(buf, msg.ServiceName)
		buf = appendStr(buf, msg.Header)
		buf = appendU8(buf, uint8(msg.Type))
		buf = appendI64(buf, msg.ReplyID)
		buf = appendStr(buf, msg.SenderHostID)
		buf = appendBytes(buf, msg.Payload)
		return buf, nil

	case TagServiceForwardReply:
		var msg *ServiceForwardReply
		switch v := env.Payload.(type) {
		case *ServiceForwardReply:
			msg = v
		case ServiceForwardReply:
			msg = &v
		default:
			return buf, fmt.Errorf("expected ServiceForwardReply, got %T", env.Payload)
		}
		buf = appendI64(buf, msg.ReplyID)
		buf = appendStr(buf, msg.Header)
		buf = appendU8(buf, uint8(msg.Type))
		buf = appendStr(buf, msg.Error)
		buf = appendBytes(buf, msg.Payload)
		return buf, nil

	case TagNotHere:
		var msg *NotHere
		switch v := env.Payload.(type) {
		case *NotHere:
			msg = v
		case NotHere:
			msg = &v
		default:
			return buf, fmt.Errorf("expected NotHere, got %T", env.Payload)
		}
		buf = appendStr(buf, msg.ServiceName)
		buf = appendStr(buf, msg.HostID)
		buf = appendI64(buf, msg.Epoch)
		return buf, nil

	case TagHostFrozen:
		var msg *HostFrozen
		switch v := env.Payload.(type) {
		case *HostFrozen:
			msg = v
		case HostFrozen:
			msg = &v
		default:
			return buf, fmt.Errorf("expected HostFrozen, got %T", env.Payload)
		}
		buf = appendStr(buf, msg.ServiceName)
		buf = appendI64(buf, msg.ReplyID)
		buf = appendStr(buf, msg.HostID)
		buf = appendI64(buf, msg.Epoch)
		return buf, nil

	case TagPing, TagPong:
		return buf, nil

	default:
		return buf, fmt.Errorf("unknown tag %d", env.Tag)
	}
}

// appendBatchEncodedPayload appends N sub-messages to buf using the batch
// wire format:
//
//	[2-byte count]
//	  [1-byte sub-tag][4-byte sub-payload-len][sub-payload-bytes]  × count
func appendBatchEncodedPayload(buf []byte, envs []TransportEnvelope) ([]byte, error) {
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(len(envs)))
	for _, env := range envs {
		buf = append(buf, env.Tag, 0, 0, 0, 0)
		lenPos := len(buf) - 4
		startLen := len(buf)
		var err error
		buf, err = appendEncodedPayload(buf, env)
		if err != nil {
			return buf, err
		}
		subLen := len(buf) - startLen
		binary.BigEndian.PutUint32(buf[lenPos:], uint32(subLen))
	}
	return buf, nil
}

func appendStr(buf []byte, s string) []byte {
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(len(s)))
	return append(buf, s...)
}

func appendI64(buf []byte, v int64) []byte {
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[len(buf)-8:], uint64(v))
	return buf
}

func appendU8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = append(buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], uint32(len(b)))
	return append(buf, b...)
}

// --- batch codec ---

// decodeBatchPayload reads a batch of sub-messages from data.
func decodeBatchPayload(data []byte) ([]TransportEnvelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("batch: short data for count")
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	off := 2

	envs := make([]TransportEnvelope, count)
	for i := 0; i < count; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("batch: short data for sub-tag at index %d", i)
		}
		tag := data[off]
		off++
		if off+4 > len(data) {
			return nil, fmt.Errorf("batch: short data for sub-length at index %d", i)
		}
		subLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+subLen > len(data) {
			return nil, fmt.Errorf("batch: short data for sub-payload at index %d", i)
		}
		payload, err := decodePayload(tag, data[off:off+subLen])
		if err != nil {
			return nil, fmt.Errorf("batch sub %d: %w", i, err)
		}
		envs[i] = TransportEnvelope{Tag: tag, Payload: payload}
		off += subLen
	}
	return envs, nil
}

// decodeBatchInto decodes a batch of sub-messages from data into the
// caller-provided buffer, avoiding the per-batch slice allocation.
// Returns the number of messages decoded.
func decodeBatchInto(data []byte, buf []TransportEnvelope) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("batch: short data for count")
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	if count > len(buf) {
		return 0, fmt.Errorf("batch: count %d exceeds buffer %d", count, len(buf))
	}
	off := 2

	for i := 0; i < count; i++ {
		if off >= len(data) {
			return 0, fmt.Errorf("batch: short data for sub-tag at index %d", i)
		}
		tag := data[off]
		off++
		if off+4 > len(data) {
			return 0, fmt.Errorf("batch: short data for sub-length at index %d", i)
		}
		subLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+subLen > len(data) {
			return 0, fmt.Errorf("batch: short data for sub-payload at index %d", i)
		}
		payload, err := decodePayload(tag, data[off:off+subLen])
		if err != nil {
			return 0, fmt.Errorf("batch sub %d: %w", i, err)
		}
		buf[i] = TransportEnvelope{Tag: tag, Payload: payload}
		off += subLen
	}
	return count, nil
}

// --- binary codec: decode ---

// decodePayload reads a payload from data based on the tag.
func decodePayload(tag byte, data []byte) (interface{}, error) {
	switch tag {
	case TagServiceForward:
		msg := serviceForwardPool.Get().(*ServiceForward)
		off := 0
		var err error
		var typ uint8
		if msg.ServiceName, off, err = getStr(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		if msg.Header, off, err = getStr(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		if typ, off, err = getU8(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		msg.Type = swarm.Type(typ)
		if msg.ReplyID, off, err = getI64(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		if msg.SenderHostID, off, err = getStr(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		if msg.Payload, _, err = getBytes(data, off); err != nil {
			serviceForwardPool.Put(msg)
			return nil, err
		}
		return msg, nil

	case TagServiceForwardReply:
		msg := serviceForwardReplyPool.Get().(*ServiceForwardReply)
		off := 0
		var err error
		var typ uint8
		if msg.ReplyID, off, err = getI64(data, off); err != nil {
			serviceForwardReplyPool.Put(msg)
			return nil, err
		}
		if msg.Header, off, err = getStr(data, off); err != nil {
			serviceForwardReplyPool.Put(msg)
			return nil, err
		}
		if typ, off, err = getU8(data, off); err != nil {
			serviceForwardReplyPool.Put(msg)
			return nil, err
		}
		msg.Type = swarm.Type(typ)
		if msg.Error, off, err = getStr(data, off); err != nil {
			serviceForwardReplyPool.Put(msg)
			return nil, err
		}
		if msg.Payload, _, err = getBytes(data, off); err != nil {
			serviceForwardReplyPool.Put(msg)
			return nil, err
		}
		return msg, nil

	case TagNotHere:
		var msg NotHere
		off := 0
		var err error
		if msg.ServiceName, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.HostID, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.Epoch, _, err = getI64(data, off); err != nil {
			return nil, err
		}
		return &msg, nil

	case TagHostFrozen:
		var msg HostFrozen
		off := 0
		var err error
		if msg.ServiceName, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.ReplyID, off, err = getI64(data, off); err != nil {
			return nil, err
		}
		if msg.HostID, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.Epoch, _, err = getI64(data, off); err != nil {
			return nil, err
		}
		return &msg, nil

	case TagPing:
		return &TransportPing{}, nil
	case TagPong:
		return &TransportPong{}, nil
	case TagBatch:
		return decodeBatchPayload(data)
	default:
		return nil, fmt.Errorf("unknown tag %d", tag)
	}
}

func getStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("short data for string length")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("short data for string")
	}
	return string(data[off : off+n]), off + n, nil
}

func getI64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("short data for int64")
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func getU8(data []byte, off int) (uint8, int, error) {
	if off >= len(data) {
		return 0, off, fmt.Errorf("short data for uint8")
	}
	return data[off], off + 1, nil
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, fmt.Errorf("short data for bytes length")
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+n > len(data) {
		return nil, off, fmt.Errorf("short data for bytes body")
	}
	b := make([]byte, n)
	copy(b, data[off:off+n])
	return b, off + n, nil
}
