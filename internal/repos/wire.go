package repos

import (
	"github.com/vesta-scm/repos/internal/longid"
	"github.com/vesta-scm/repos/internal/source"
	"github.com/vesta-scm/repos/internal/srpc"
)

// SendLongId/RecvLongId marshal a LongId as its significant-byte prefix,
// length-prefixed, rather than the fixed 32-byte array: most LongIds in
// practice are far shorter than the full budget and the reference wire
// format never pads. Exported so internal/surrogate, the call's other
// party, marshals the identical shape.
func SendLongId(ep *srpc.Endpoint, id longid.LongId) error {
	n := longid.Length(id)
	return ep.SendBytes(id[:n])
}

func RecvLongId(ep *srpc.Endpoint) (longid.LongId, error) {
	b, err := ep.RecvBytes()
	if err != nil {
		return longid.LongId{}, err
	}
	var id longid.LongId
	copy(id[:], b)
	return id, nil
}

func sendLongId(ep *srpc.Endpoint, id longid.LongId) error { return SendLongId(ep, id) }
func recvLongId(ep *srpc.Endpoint) (longid.LongId, error)  { return RecvLongId(ep) }

// SendSourceStat sends the `stat`-shaped summary of a Source: type, longid,
// master flag, pseudo-inode, fingerprint tag, and shortid. Every call that
// hands a Source back to a surrogate sends this same shape.
func SendSourceStat(ep *srpc.Endpoint, s source.Source) error {
	if err := ep.SendInt32(int32(s.Type)); err != nil {
		return err
	}
	if err := SendLongId(ep, s.LongId); err != nil {
		return err
	}
	if err := ep.SendBool(s.Master); err != nil {
		return err
	}
	if err := ep.SendInt32(int32(s.PseudoInode)); err != nil {
		return err
	}
	if err := ep.SendBytes(s.FPTag[:]); err != nil {
		return err
	}
	return ep.SendInt32(int32(s.ShortId))
}

func sendSourceStat(ep *srpc.Endpoint, s source.Source) error { return SendSourceStat(ep, s) }

// SourceStat is the wire-level decoding of SendSourceStat: internal/surrogate
// wraps this with the pool/endpoint plumbing needed to turn it into further
// calls.
type SourceStat struct {
	Type        source.Type
	LongId      longid.LongId
	Master      bool
	PseudoInode uint32
	FPTag       source.FP
	ShortId     source.ShortId
}

func RecvSourceStat(ep *srpc.Endpoint) (SourceStat, error) {
	var st SourceStat
	typ, err := ep.RecvInt32()
	if err != nil {
		return SourceStat{}, err
	}
	st.Type = source.Type(typ)
	if st.LongId, err = RecvLongId(ep); err != nil {
		return SourceStat{}, err
	}
	if st.Master, err = ep.RecvBool(); err != nil {
		return SourceStat{}, err
	}
	inode, err := ep.RecvInt32()
	if err != nil {
		return SourceStat{}, err
	}
	st.PseudoInode = uint32(inode)
	fp, err := ep.RecvBytes()
	if err != nil {
		return SourceStat{}, err
	}
	copy(st.FPTag[:], fp)
	sid, err := ep.RecvInt32()
	if err != nil {
		return SourceStat{}, err
	}
	st.ShortId = source.ShortId(sid)
	return st, nil
}

func recvSourceStat(ep *srpc.Endpoint) (SourceStat, error) { return RecvSourceStat(ep) }

// SendErrCode/RecvErrCode marshal the application error taxonomy as a
// trailing int32 result every call sends regardless of its own payload
// shape, matching the reference convention of a uniform status epilogue.
func SendErrCode(ep *srpc.Endpoint, code source.ErrCode) error {
	return ep.SendInt32(int32(code))
}

func RecvErrCode(ep *srpc.Endpoint) (source.ErrCode, error) {
	v, err := ep.RecvInt32()
	return source.ErrCode(v), err
}

func sendErrCode(ep *srpc.Endpoint, code source.ErrCode) error { return SendErrCode(ep, code) }
func recvErrCode(ep *srpc.Endpoint) (source.ErrCode, error)    { return RecvErrCode(ep) }

func errCodeOf(err *source.Error) source.ErrCode {
	if err == nil {
		return source.OK
	}
	return err.Code
}
