package wire

import (
	"fmt"
	"time"

	"pkt.systems/cachetx/api"
)

// maxRecoveryXids bounds the xid count accepted in one recovery response.
const maxRecoveryXids = 1 << 20

// PrepareBody is the payload of a prepare request.
type PrepareBody struct {
	Xid           api.Xid
	OnePhase      bool
	Recoverable   bool
	Timeout       time.Duration
	Modifications []api.Modification
}

// PrepareSize returns the encoded size of b under p.
func (p *Protocol) PrepareSize(b PrepareBody) int {
	n := XidSize(b.Xid) + 1
	if p.PrepareV2 {
		n += 1 + 8
	}
	n += VIntSize(uint32(len(b.Modifications)))
	for _, m := range b.Modifications {
		n += ModificationSize(m)
	}
	return n
}

// WritePrepare encodes b. The recoverable flag and timeout are only carried
// by protocols with PrepareV2.
func (p *Protocol) WritePrepare(w *Writer, b PrepareBody) {
	WriteXid(w, b.Xid)
	w.Bool(b.OnePhase)
	if p.PrepareV2 {
		w.Bool(b.Recoverable)
		w.Int64(b.Timeout.Milliseconds())
	}
	w.VInt(uint32(len(b.Modifications)))
	for _, m := range b.Modifications {
		WriteModification(w, m)
	}
}

// ReadPrepare decodes a prepare payload written by WritePrepare.
func (p *Protocol) ReadPrepare(r *Reader) (PrepareBody, error) {
	var b PrepareBody
	var err error
	if b.Xid, err = ReadXid(r); err != nil {
		return b, err
	}
	if b.OnePhase, err = r.Bool("prepare.one_phase"); err != nil {
		return b, err
	}
	if p.PrepareV2 {
		if b.Recoverable, err = r.Bool("prepare.recoverable"); err != nil {
			return b, err
		}
		ms, err := r.Int64("prepare.timeout")
		if err != nil {
			return b, err
		}
		b.Timeout = time.Duration(ms) * time.Millisecond
	}
	count, err := r.VInt("prepare.modification_count")
	if err != nil {
		return b, err
	}
	if count > MaxRangedLength {
		return b, &DecodeError{Field: "prepare.modification_count", Err: fmt.Errorf("%d exceeds limit", count)}
	}
	b.Modifications = make([]api.Modification, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		m, err := ReadModification(r)
		if err != nil {
			return b, err
		}
		b.Modifications = append(b.Modifications, m)
	}
	return b, nil
}

// ResponseBody is the decoded payload of any transactional response. Which
// fields are set depends on the response opcode and status.
type ResponseBody struct {
	XACode       int32
	HasXACode    bool
	Xids         []api.Xid
	ErrorMessage string
}

// ResponseBodySize returns the encoded size of body for a response with the
// given opcode and status.
func (p *Protocol) ResponseBodySize(opcode byte, status Status, body ResponseBody) int {
	if opcode == ErrorResponseOpcode {
		return RangedSize(len(body.ErrorMessage))
	}
	if status != StatusSuccess {
		return 0
	}
	op, _ := p.OpForResponse(opcode)
	switch op {
	case OpPrepare, OpCommit, OpRollback:
		return 4
	case OpRecovery:
		n := VIntSize(uint32(len(body.Xids)))
		for _, x := range body.Xids {
			n += XidSize(x)
		}
		return n
	}
	return 0
}

// WriteResponseBody encodes body using the shape selected by opcode and status.
func (p *Protocol) WriteResponseBody(w *Writer, opcode byte, status Status, body ResponseBody) {
	if opcode == ErrorResponseOpcode {
		w.String(body.ErrorMessage)
		return
	}
	if status != StatusSuccess {
		return
	}
	op, _ := p.OpForResponse(opcode)
	switch op {
	case OpPrepare, OpCommit, OpRollback:
		w.Int32(body.XACode)
	case OpRecovery:
		w.VInt(uint32(len(body.Xids)))
		for _, x := range body.Xids {
			WriteXid(w, x)
		}
	}
}

// ReadResponseBody decodes the payload that follows h. Unknown response
// opcodes are a decode error: without the shape the stream cannot be resynced.
func (p *Protocol) ReadResponseBody(r *Reader, h ResponseHeader) (ResponseBody, error) {
	var body ResponseBody
	if h.Opcode == ErrorResponseOpcode {
		msg, err := r.String("response.error_message")
		if err != nil {
			return body, err
		}
		body.ErrorMessage = msg
		return body, nil
	}
	op, ok := p.OpForResponse(h.Opcode)
	if !ok {
		return body, &DecodeError{Field: "response.opcode", Err: fmt.Errorf("unknown response opcode 0x%02x", h.Opcode)}
	}
	if h.Status != StatusSuccess {
		return body, nil
	}
	switch op {
	case OpPrepare, OpCommit, OpRollback:
		code, err := r.Int32("response.xa_code")
		if err != nil {
			return body, err
		}
		body.XACode = code
		body.HasXACode = true
	case OpRecovery:
		count, err := r.VInt("recovery.count")
		if err != nil {
			return body, err
		}
		if count > maxRecoveryXids {
			return body, &DecodeError{Field: "recovery.count", Err: fmt.Errorf("%d exceeds limit", count)}
		}
		body.Xids = make([]api.Xid, 0, min(count, 1024))
		for i := uint32(0); i < count; i++ {
			x, err := ReadXid(r)
			if err != nil {
				return body, err
			}
			body.Xids = append(body.Xids, x)
		}
	}
	return body, nil
}

// Request is a fully described request: header plus the payload selected by
// Op.
type Request struct {
	Header  RequestHeader
	Op      Op
	Prepare PrepareBody
	Xid     api.Xid
}

// RequestSize returns the exact encoded size of req.
func (p *Protocol) RequestSize(req Request) int {
	n := p.HeaderSize(req.Header)
	switch req.Op {
	case OpPrepare:
		n += p.PrepareSize(req.Prepare)
	case OpCommit, OpRollback, OpForget:
		n += XidSize(req.Xid)
	}
	return n
}

// EncodeRequest sizes a buffer for req, writes it and verifies the estimate.
func (p *Protocol) EncodeRequest(req Request) ([]byte, error) {
	codes, ok := p.Opcodes(req.Op)
	if !ok {
		return nil, fmt.Errorf("wire: protocol %s has no opcode for %s", p.Version, req.Op)
	}
	req.Header.Opcode = codes.Request
	w := NewWriter(p.RequestSize(req))
	p.WriteHeader(w, req.Header)
	switch req.Op {
	case OpPrepare:
		p.WritePrepare(w, req.Prepare)
	case OpCommit, OpRollback, OpForget:
		WriteXid(w, req.Xid)
	}
	return w.Bytes()
}

// ReadRequest decodes a full request. It is the server-side mirror of
// EncodeRequest.
func ReadRequest(r *Reader) (Request, *Protocol, error) {
	var req Request
	h, p, err := ReadRequestHeader(r)
	if err != nil {
		return req, p, err
	}
	req.Header = h
	op, ok := p.OpForRequest(h.Opcode)
	if !ok {
		return req, p, &DecodeError{Field: "request.opcode", Err: fmt.Errorf("unknown request opcode 0x%02x", h.Opcode)}
	}
	req.Op = op
	switch op {
	case OpPrepare:
		req.Prepare, err = p.ReadPrepare(r)
		req.Xid = req.Prepare.Xid
	case OpCommit, OpRollback, OpForget:
		req.Xid, err = ReadXid(r)
	}
	return req, p, err
}

// Response is a fully described response.
type Response struct {
	Header ResponseHeader
	Body   ResponseBody
}

// EncodeResponse sizes a buffer for resp and writes it.
func (p *Protocol) EncodeResponse(resp Response) ([]byte, error) {
	size := ResponseHeaderSize(resp.Header) + p.ResponseBodySize(resp.Header.Opcode, resp.Header.Status, resp.Body)
	w := NewWriter(size)
	WriteResponseHeader(w, resp.Header)
	p.WriteResponseBody(w, resp.Header.Opcode, resp.Header.Status, resp.Body)
	return w.Bytes()
}

// ReadResponse decodes one full response.
func (p *Protocol) ReadResponse(r *Reader) (Response, error) {
	var resp Response
	h, err := ReadResponseHeader(r)
	if err != nil {
		return resp, err
	}
	resp.Header = h
	body, err := p.ReadResponseBody(r, h)
	if err != nil {
		return resp, err
	}
	resp.Body = body
	return resp, nil
}
