package swarm

import "encoding/binary"

// PackCluster builds the one wire format the core itself defines:
// [u16 LE len][payload: len bytes][header: rest]. It writes the length
// prefix into the buffer's front headroom (cheap, since Buffer reserves
// it) and appends the header to the tail — a single Buffer holding both
// fields with no intermediate allocation.
func PackCluster(payload []byte, header string) *Buffer {
	buf := NewBuffer(len(payload) + len(header))
	buf.WriteBack(payload)
	buf.WriteBack([]byte(header))

	var lenPrefix [2]byte
	binary.LittleEndian.PutUint16(lenPrefix[:], uint16(len(payload)))
	buf.WriteFront(lenPrefix[:])

	return buf
}

// UnpackCluster reverses PackCluster: it reads the u16 length prefix,
// then slices payload vs trailing header out of raw.
func UnpackCluster(raw []byte) (payload, header []byte, err error) {
	if len(raw) < 2 {
		return nil, nil, ErrClusterPackShort
	}
	n := int(binary.LittleEndian.Uint16(raw))
	if len(raw) < 2+n {
		return nil, nil, ErrClusterPackShort
	}
	payload = raw[2 : 2+n]
	header = raw[2+n:]
	return payload, header, nil
}
