package wire

import (
	"fmt"
	"net"
	"strconv"
)

// RequestHeader precedes every request payload.
type RequestHeader struct {
	Version      Version
	MessageID    uint64
	Opcode       byte
	CacheName    string
	Flags        uint32
	Intelligence byte
	TopologyID   int32
}

// HeaderSize returns the encoded size of h under p.
func (p *Protocol) HeaderSize(h RequestHeader) int {
	n := 1 + VLongSize(h.MessageID) + 1 + 1
	n += RangedSize(len(h.CacheName))
	n += VIntSize(h.Flags)
	n++
	n += VIntSize(uint32(h.TopologyID))
	if p.MediaTypes {
		n += 2
	}
	return n
}

// WriteHeader encodes h. The version byte always comes from p.
func (p *Protocol) WriteHeader(w *Writer, h RequestHeader) {
	w.Byte(RequestMagic)
	w.VLong(h.MessageID)
	w.Byte(byte(p.Version))
	w.Byte(h.Opcode)
	w.String(h.CacheName)
	w.VInt(h.Flags)
	w.Byte(h.Intelligence)
	w.VInt(uint32(h.TopologyID))
	if p.MediaTypes {
		w.Byte(0)
		w.Byte(0)
	}
}

// ReadRequestHeader decodes a request header and resolves the protocol it
// was written with.
func ReadRequestHeader(r *Reader) (RequestHeader, *Protocol, error) {
	var h RequestHeader
	magic, err := r.Byte("request.magic")
	if err != nil {
		return h, nil, err
	}
	if magic != RequestMagic {
		return h, nil, &DecodeError{Field: "request.magic", Err: fmt.Errorf("unexpected magic 0x%02x", magic)}
	}
	if h.MessageID, err = r.VLong("request.message_id"); err != nil {
		return h, nil, err
	}
	version, err := r.Byte("request.version")
	if err != nil {
		return h, nil, err
	}
	h.Version = Version(version)
	p, err := Lookup(h.Version)
	if err != nil {
		return h, nil, &DecodeError{Field: "request.version", Err: err}
	}
	if h.Opcode, err = r.Byte("request.opcode"); err != nil {
		return h, p, err
	}
	if h.CacheName, err = r.String("request.cache_name"); err != nil {
		return h, p, err
	}
	if h.Flags, err = r.VInt("request.flags"); err != nil {
		return h, p, err
	}
	if h.Intelligence, err = r.Byte("request.intelligence"); err != nil {
		return h, p, err
	}
	topology, err := r.VInt("request.topology_id")
	if err != nil {
		return h, p, err
	}
	h.TopologyID = int32(topology)
	if p.MediaTypes {
		if _, err = r.Byte("request.key_media_type"); err != nil {
			return h, p, err
		}
		if _, err = r.Byte("request.value_media_type"); err != nil {
			return h, p, err
		}
	}
	return h, p, nil
}

// ServerAddress is one cluster member advertised in a topology update.
type ServerAddress struct {
	Host string
	Port uint16
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// TopologyUpdate is piggybacked on a response when the server holds a newer
// topology than the one the request carried.
type TopologyUpdate struct {
	ID      int32
	Servers []ServerAddress
}

// ResponseHeader precedes every response payload.
type ResponseHeader struct {
	MessageID uint64
	Opcode    byte
	Status    Status
	Topology  *TopologyUpdate
}

// ResponseHeaderSize returns the encoded size of h.
func ResponseHeaderSize(h ResponseHeader) int {
	n := 1 + VLongSize(h.MessageID) + 1 + 1 + 1
	if h.Topology != nil {
		n += VIntSize(uint32(h.Topology.ID))
		n += VIntSize(uint32(len(h.Topology.Servers)))
		for _, s := range h.Topology.Servers {
			n += RangedSize(len(s.Host)) + 2
		}
	}
	return n
}

// WriteResponseHeader encodes h.
func WriteResponseHeader(w *Writer, h ResponseHeader) {
	w.Byte(ResponseMagic)
	w.VLong(h.MessageID)
	w.Byte(h.Opcode)
	w.Byte(byte(h.Status))
	if h.Topology == nil {
		w.Byte(0)
		return
	}
	w.Byte(1)
	w.VInt(uint32(h.Topology.ID))
	w.VInt(uint32(len(h.Topology.Servers)))
	for _, s := range h.Topology.Servers {
		w.String(s.Host)
		w.Uint16(s.Port)
	}
}

// ReadResponseHeader decodes a response header.
func ReadResponseHeader(r *Reader) (ResponseHeader, error) {
	var h ResponseHeader
	magic, err := r.Byte("response.magic")
	if err != nil {
		return h, err
	}
	if magic != ResponseMagic {
		return h, &DecodeError{Field: "response.magic", Err: fmt.Errorf("unexpected magic 0x%02x", magic)}
	}
	if h.MessageID, err = r.VLong("response.message_id"); err != nil {
		return h, err
	}
	if h.Opcode, err = r.Byte("response.opcode"); err != nil {
		return h, err
	}
	status, err := r.Byte("response.status")
	if err != nil {
		return h, err
	}
	h.Status = Status(status)
	marker, err := r.Byte("response.topology_marker")
	if err != nil {
		return h, err
	}
	switch marker {
	case 0:
		return h, nil
	case 1:
	default:
		return h, &DecodeError{Field: "response.topology_marker", Err: fmt.Errorf("unexpected marker %d", marker)}
	}
	id, err := r.VInt("response.topology_id")
	if err != nil {
		return h, err
	}
	count, err := r.VInt("response.topology_size")
	if err != nil {
		return h, err
	}
	if count > 4096 {
		return h, &DecodeError{Field: "response.topology_size", Err: fmt.Errorf("%d members exceeds limit", count)}
	}
	update := &TopologyUpdate{ID: int32(id), Servers: make([]ServerAddress, 0, count)}
	for i := uint32(0); i < count; i++ {
		host, err := r.String("response.topology_host")
		if err != nil {
			return h, err
		}
		port, err := r.Uint16("response.topology_port")
		if err != nil {
			return h, err
		}
		update.Servers = append(update.Servers, ServerAddress{Host: host, Port: port})
	}
	h.Topology = update
	return h, nil
}
