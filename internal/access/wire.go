package access

import (
	"fmt"

	"github.com/vesta-scm/repos/internal/srpc"
)

// MarshalTo sends id as the leading argument block of an RPC: every
// VestaSourceSRPC call carries the caller's identity ahead of its own
// arguments, so this is shared by every internal/repos call handler and
// every internal/surrogate call site rather than being proc-specific.
func (id Identity) MarshalTo(ep *srpc.Endpoint) error {
	if err := ep.SendInt32(int32(id.Flavor)); err != nil {
		return err
	}
	switch id.Flavor {
	case Unix:
		if err := ep.SendInt64(id.Timestamp); err != nil {
			return err
		}
		if err := ep.SendChars(id.MachName); err != nil {
			return err
		}
		if err := ep.SendInt32(id.UID); err != nil {
			return err
		}
		if err := ep.SendInt32(id.GID); err != nil {
			return err
		}
		if err := ep.SendInt32(int32(len(id.GIDs))); err != nil {
			return err
		}
		for _, g := range id.GIDs {
			if err := ep.SendInt32(g); err != nil {
				return err
			}
		}
	case Global:
		if err := ep.SendChars(id.Username); err != nil {
			return err
		}
	case GSSAPI:
		if err := ep.SendBytes(id.OpaqueToken); err != nil {
			return err
		}
	default:
		return fmt.Errorf("access: unmarshalable identity flavor %v", id.Flavor)
	}
	return ep.SendBool(id.ReadOnly)
}

// UnmarshalIdentity reads back an Identity marshaled by MarshalTo. Origin is
// left unset; callers that need it fill it in from the connection after the
// fact (it is not carried on the wire -- it is a property of the transport,
// not the RPC argument).
func UnmarshalIdentity(ep *srpc.Endpoint) (Identity, error) {
	var id Identity
	flavor, err := ep.RecvInt32()
	if err != nil {
		return Identity{}, err
	}
	id.Flavor = Flavor(flavor)

	switch id.Flavor {
	case Unix:
		if id.Timestamp, err = ep.RecvInt64(); err != nil {
			return Identity{}, err
		}
		if id.MachName, err = ep.RecvChars(); err != nil {
			return Identity{}, err
		}
		if id.UID, err = ep.RecvInt32(); err != nil {
			return Identity{}, err
		}
		if id.GID, err = ep.RecvInt32(); err != nil {
			return Identity{}, err
		}
		n, err := ep.RecvInt32()
		if err != nil {
			return Identity{}, err
		}
		id.GIDs = make([]int32, n)
		for i := range id.GIDs {
			if id.GIDs[i], err = ep.RecvInt32(); err != nil {
				return Identity{}, err
			}
		}
	case Global:
		if id.Username, err = ep.RecvChars(); err != nil {
			return Identity{}, err
		}
	case GSSAPI:
		if id.OpaqueToken, err = ep.RecvBytes(); err != nil {
			return Identity{}, err
		}
	default:
		return Identity{}, fmt.Errorf("access: unknown identity flavor %d", flavor)
	}

	if id.ReadOnly, err = ep.RecvBool(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
