package wire

import (
	"fmt"

	"pkt.systems/cachetx/api"
)

// XidSize returns the encoded size of x.
func XidSize(x api.Xid) int {
	return VIntSize(ZigZag32(x.FormatID())) + RangedSize(x.GlobalLen()) + RangedSize(x.BranchLen())
}

// WriteXid encodes x as a signed format id followed by the ranged global and
// branch qualifiers.
func WriteXid(w *Writer, x api.Xid) {
	w.SignedVInt(x.FormatID())
	w.VInt(uint32(x.GlobalLen()))
	if dst := w.reserve(x.GlobalLen()); dst != nil {
		x.AppendGlobalID(dst[:0])
	}
	w.VInt(uint32(x.BranchLen()))
	if dst := w.reserve(x.BranchLen()); dst != nil {
		x.AppendBranchID(dst[:0])
	}
}

// ReadXid decodes an Xid written by WriteXid.
func ReadXid(r *Reader) (api.Xid, error) {
	format, err := r.SignedVInt("xid.format_id")
	if err != nil {
		return api.Xid{}, err
	}
	global, err := r.xidPart("xid.global_id")
	if err != nil {
		return api.Xid{}, err
	}
	branch, err := r.xidPart("xid.branch_id")
	if err != nil {
		return api.Xid{}, err
	}
	x, err := api.NewXid(format, global, branch)
	if err != nil {
		return api.Xid{}, &DecodeError{Field: "xid", Err: err}
	}
	return x, nil
}

func (r *Reader) xidPart(field string) ([]byte, error) {
	n, err := r.VInt(field)
	if err != nil {
		return nil, err
	}
	if n > api.MaxXidPartLength {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("length %d exceeds %d", n, api.MaxXidPartLength)}
	}
	if n == 0 {
		return nil, nil
	}
	return r.full(field, int(n))
}
