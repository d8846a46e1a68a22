package wire

import (
	"fmt"
	"sort"
)

const (
	// RequestMagic starts every request.
	RequestMagic byte = 0xA0
	// ResponseMagic starts every response.
	ResponseMagic byte = 0xA1
	// ErrorResponseOpcode is the response opcode of a server-side error reply.
	ErrorResponseOpcode byte = 0x50

	// IntelligenceBasic asks the server for no topology information.
	IntelligenceBasic byte = 0x01
	// IntelligenceTopologyAware asks the server to piggyback topology changes.
	IntelligenceTopologyAware byte = 0x02
)

// Version is a protocol version byte (27 = 2.7, 31 = 3.1).
type Version uint8

const (
	Version27 Version = 27
	Version28 Version = 28
	Version30 Version = 30
	Version31 Version = 31

	// DefaultVersion is the newest version in the table.
	DefaultVersion = Version31
)

func (v Version) String() string { return fmt.Sprintf("%d.%d", v/10, v%10) }

// Op names a transactional operation independent of its wire opcodes.
type Op uint8

const (
	OpPrepare Op = iota + 1
	OpCommit
	OpRollback
	OpForget
	OpRecovery
)

func (o Op) String() string {
	switch o {
	case OpPrepare:
		return "prepare"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	case OpForget:
		return "forget"
	case OpRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Opcodes is the fixed request/response pairing of one operation.
type Opcodes struct {
	Request  byte
	Response byte
}

// Protocol describes the encoding rules of one protocol version.
type Protocol struct {
	Version Version
	// MediaTypes adds key and value media type bytes to every request header.
	MediaTypes bool
	// PrepareV2 adds the recoverable flag and timeout to the prepare payload.
	PrepareV2 bool

	ops       map[Op]Opcodes
	responses map[byte]Op
}

var (
	legacyTxOps = map[Op]Opcodes{
		OpPrepare:  {Request: 0x3B, Response: 0x3C},
		OpCommit:   {Request: 0x3D, Response: 0x3E},
		OpRollback: {Request: 0x3F, Response: 0x40},
		OpForget:   {Request: 0x79, Response: 0x7A},
		OpRecovery: {Request: 0x7B, Response: 0x7C},
	}
	prepareV2Ops = map[Op]Opcodes{
		OpPrepare:  {Request: 0x7D, Response: 0x7E},
		OpCommit:   {Request: 0x3D, Response: 0x3E},
		OpRollback: {Request: 0x3F, Response: 0x40},
		OpForget:   {Request: 0x79, Response: 0x7A},
		OpRecovery: {Request: 0x7B, Response: 0x7C},
	}

	protocols = map[Version]*Protocol{
		Version27: newProtocol(Version27, false, false, legacyTxOps),
		Version28: newProtocol(Version28, true, false, legacyTxOps),
		Version30: newProtocol(Version30, true, false, legacyTxOps),
		Version31: newProtocol(Version31, true, true, prepareV2Ops),
	}
)

func newProtocol(v Version, mediaTypes, prepareV2 bool, ops map[Op]Opcodes) *Protocol {
	p := &Protocol{
		Version:    v,
		MediaTypes: mediaTypes,
		PrepareV2:  prepareV2,
		ops:        ops,
		responses:  make(map[byte]Op, len(ops)),
	}
	for op, codes := range ops {
		p.responses[codes.Response] = op
	}
	return p
}

// Lookup returns the protocol definition for v.
func Lookup(v Version) (*Protocol, error) {
	p, ok := protocols[v]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, uint8(v))
	}
	return p, nil
}

// Versions lists the supported versions in ascending order.
func Versions() []Version {
	out := make([]Version, 0, len(protocols))
	for v := range protocols {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Opcodes returns the request/response pairing for op.
func (p *Protocol) Opcodes(op Op) (Opcodes, bool) {
	codes, ok := p.ops[op]
	return codes, ok
}

// OpForRequest maps a request opcode back to its operation.
func (p *Protocol) OpForRequest(code byte) (Op, bool) {
	for op, codes := range p.ops {
		if codes.Request == code {
			return op, true
		}
	}
	return 0, false
}

// OpForResponse maps a response opcode back to its operation.
func (p *Protocol) OpForResponse(code byte) (Op, bool) {
	op, ok := p.responses[code]
	return op, ok
}

// Status is the response status byte.
type Status byte

const (
	StatusSuccess                 Status = 0x00
	StatusNotExecuted             Status = 0x01
	StatusKeyDoesNotExist         Status = 0x02
	StatusInvalidMagicOrMessageID Status = 0x81
	StatusUnknownCommand          Status = 0x82
	StatusUnknownVersion          Status = 0x83
	StatusParseError              Status = 0x84
	StatusServerError             Status = 0x85
	StatusCommandTimeout          Status = 0x86
	StatusNodeSuspected           Status = 0x87
	StatusIllegalLifecycleState   Status = 0x88
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotExecuted:
		return "not_executed"
	case StatusKeyDoesNotExist:
		return "key_does_not_exist"
	case StatusInvalidMagicOrMessageID:
		return "invalid_magic_or_message_id"
	case StatusUnknownCommand:
		return "unknown_command"
	case StatusUnknownVersion:
		return "unknown_version"
	case StatusParseError:
		return "parse_error"
	case StatusServerError:
		return "server_error"
	case StatusCommandTimeout:
		return "command_timeout"
	case StatusNodeSuspected:
		return "node_suspected"
	case StatusIllegalLifecycleState:
		return "illegal_lifecycle_state"
	default:
		return fmt.Sprintf("status(0x%02x)", byte(s))
	}
}

// IsError reports whether s is in the error range.
func (s Status) IsError() bool { return s >= 0x80 }

// IsStaleTopology reports whether the server rejected the request because
// the client routed it with outdated ownership information.
func (s Status) IsStaleTopology() bool {
	return s == StatusNodeSuspected || s == StatusIllegalLifecycleState
}

// IsTransient reports whether a retry on a fresh connection may succeed.
func (s Status) IsTransient() bool {
	return s.IsStaleTopology() || s == StatusCommandTimeout
}
