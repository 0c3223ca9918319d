package srpc

import (
	"fmt"
	"net"
	"strconv"
)

// Send* / Recv* are the typed item wrappers: every datum kind has a
// dedicated item code, and a send/recv mismatch of item codes is a
// protocol_violation (terminal).

func (s *Stream) SendInt16(v int16) *TransportError {
	if te := s.sendCode(ItemInt16); te != nil {
		return te
	}
	return s.sendInt16(v)
}

func (s *Stream) RecvInt16() (int16, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return 0, te
	}
	if code != ItemInt16 {
		return 0, s.kill(mismatch(ItemInt16, code))
	}
	return s.recvInt16()
}

func (s *Stream) SendInt32(v int32) *TransportError {
	if te := s.sendCode(ItemInt32); te != nil {
		return te
	}
	return s.sendInt32(v)
}

func (s *Stream) RecvInt32() (int32, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return 0, te
	}
	if code != ItemInt32 {
		return 0, s.kill(mismatch(ItemInt32, code))
	}
	return s.recvInt32()
}

func (s *Stream) SendInt64(v int64) *TransportError {
	if te := s.sendCode(ItemInt64); te != nil {
		return te
	}
	return s.sendInt64(v)
}

func (s *Stream) RecvInt64() (int64, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return 0, te
	}
	if code != ItemInt64 {
		return 0, s.kill(mismatch(ItemInt64, code))
	}
	return s.recvInt64()
}

func (s *Stream) SendBool(v bool) *TransportError {
	if v {
		return s.sendCode(ItemBoolTrue)
	}
	return s.sendCode(ItemBoolFalse)
}

func (s *Stream) RecvBool() (bool, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return false, te
	}
	switch code {
	case ItemBoolTrue:
		return true, nil
	case ItemBoolFalse:
		return false, nil
	default:
		return false, s.kill(mismatch(ItemBoolTrue, code))
	}
}

// SendChars sends a short (name/arc-length) byte string, distinct on the
// wire from Text only by item code, matching the separate `chars` and
// `text` datum kinds.
func (s *Stream) SendChars(v string) *TransportError {
	if te := s.sendCode(ItemChars); te != nil {
		return te
	}
	return s.sendBytesRaw([]byte(v))
}

func (s *Stream) RecvChars() (string, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return "", te
	}
	if code != ItemChars {
		return "", s.kill(mismatch(ItemChars, code))
	}
	b, te := s.recvBytesRaw()
	if te != nil {
		return "", te
	}
	return string(b), nil
}

func (s *Stream) SendText(v string) *TransportError {
	if te := s.sendCode(ItemText); te != nil {
		return te
	}
	return s.sendBytesRaw([]byte(v))
}

func (s *Stream) RecvText() (string, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return "", te
	}
	if code != ItemText {
		return "", s.kill(mismatch(ItemText, code))
	}
	b, te := s.recvBytesRaw()
	if te != nil {
		return "", te
	}
	return string(b), nil
}

func (s *Stream) SendBytes(v []byte) *TransportError {
	if te := s.sendCode(ItemBytes); te != nil {
		return te
	}
	return s.sendBytesRaw(v)
}

func (s *Stream) RecvBytes() ([]byte, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return nil, te
	}
	if code != ItemBytes {
		return nil, s.kill(mismatch(ItemBytes, code))
	}
	return s.recvBytesRaw()
}

// SendSocketAddr sends a net.Addr as (ip bytes, port).
func (s *Stream) SendSocketAddr(addr net.Addr) *TransportError {
	if te := s.sendCode(ItemSocketAddr); te != nil {
		return te
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return s.kill(&TransportError{Kind: InternalTrouble, Err: err})
	}
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	if te := s.sendBytesRaw(ip4); te != nil {
		return te
	}
	return s.sendInt32(int32(port))
}

func (s *Stream) RecvSocketAddr() (*net.TCPAddr, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return nil, te
	}
	if code != ItemSocketAddr {
		return nil, s.kill(mismatch(ItemSocketAddr, code))
	}
	ipBytes, te := s.recvBytesRaw()
	if te != nil {
		return nil, te
	}
	port, te := s.recvInt32()
	if te != nil {
		return nil, te
	}
	return &net.TCPAddr{IP: net.IP(ipBytes), Port: int(port)}, nil
}

func (s *Stream) SendInt32Array(v []int32) *TransportError {
	if te := s.sendCode(ItemInt32Array); te != nil {
		return te
	}
	if te := s.sendInt32(int32(len(v))); te != nil {
		return te
	}
	for _, x := range v {
		if te := s.sendInt32(x); te != nil {
			return te
		}
	}
	return nil
}

func (s *Stream) RecvInt32Array() ([]int32, *TransportError) {
	code, te := s.recvCode()
	if te != nil {
		return nil, te
	}
	if code != ItemInt32Array {
		return nil, s.kill(mismatch(ItemInt32Array, code))
	}
	n, te := s.recvInt32()
	if te != nil {
		return nil, te
	}
	out := make([]int32, n)
	for i := range out {
		out[i], te = s.recvInt32()
		if te != nil {
			return nil, te
		}
	}
	return out, nil
}

// SendSeqStart / SendSeqEnd bracket an in-flight "sequence" transmission
// (chars-seq / bytes-seq): the caller sends individual Chars/Bytes items
// between them.
func (s *Stream) SendSeqStart() *TransportError { return s.sendCode(ItemSeqStart) }
func (s *Stream) SendSeqEnd() *TransportError   { return s.sendCode(ItemSeqEnd) }

func (s *Stream) RecvSeqStart() *TransportError {
	code, te := s.recvCode()
	if te != nil {
		return te
	}
	if code != ItemSeqStart {
		return s.kill(mismatch(ItemSeqStart, code))
	}
	return nil
}

func (s *Stream) RecvSeqEnd() *TransportError {
	code, te := s.recvCode()
	if te != nil {
		return te
	}
	if code != ItemSeqEnd {
		return s.kill(mismatch(ItemSeqEnd, code))
	}
	return nil
}

func mismatch(want, got ItemCode) *TransportError {
	return &TransportError{Kind: ProtocolViolation, Err: fmt.Errorf("expected item code %d, got unknown code %d", want, got)}
}
