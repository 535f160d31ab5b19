package discovery

import (
	"fmt"
	"net"
	"strconv"
)

// Target identifies the logical destination a Driver resolves. Concrete
// implementations (an authority, a service name, ...) only need to be
// comparable and displayable; the core never inspects them beyond that.
type Target interface {
	fmt.Stringer
}

// Address is the primary key of every endpoint: an IPv4/IPv6 address plus
// port, comparable by value so it can key the active-endpoints and
// in-flight build maps.
type Address struct {
	IP   string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// Endpoint carries a socket address plus the metadata a Maker needs to
// build a per-endpoint service: peer identity, protocol hints, and any
// opaque labels a resolver chooses to attach.
type Endpoint struct {
	Addr     Address
	Identity string
	Protocol string
	Metadata map[string]string
}

// Equal reports whether two endpoints describe the same logical target:
// same address, identity, protocol and metadata. The driver does not call
// it; a retained address's endpoint is replaced by every fresh Add.
func (e Endpoint) Equal(other Endpoint) bool {
	if e.Addr != other.Addr || e.Identity != other.Identity || e.Protocol != other.Protocol {
		return false
	}
	if len(e.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range e.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

// AddrEndpoint pairs an address with the endpoint resolved for it, the
// element type of an Update's Add list.
type AddrEndpoint struct {
	Addr     Address
	Endpoint Endpoint
}

// UpdateKind discriminates the tagged variant carried by Update.
type UpdateKind int

const (
	// UpdateAdd announces new or changed endpoints.
	UpdateAdd UpdateKind = iota
	// UpdateRemove announces endpoints that no longer exist.
	UpdateRemove
	// UpdateEmpty means the target exists but currently has no endpoints.
	UpdateEmpty
	// UpdateDoesNotExist means the target is unknown to the resolver.
	UpdateDoesNotExist
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateAdd:
		return "Add"
	case UpdateRemove:
		return "Remove"
	case UpdateEmpty:
		return "Empty"
	case UpdateDoesNotExist:
		return "DoesNotExist"
	default:
		return "Unknown"
	}
}

// Update is a single item of a resolution stream: Add(list) | Remove(list)
// | Empty | DoesNotExist.
type Update struct {
	Kind    UpdateKind
	Add     []AddrEndpoint
	Remove  []Address
}

// NewAddUpdate builds an Add update.
func NewAddUpdate(entries ...AddrEndpoint) Update {
	return Update{Kind: UpdateAdd, Add: entries}
}

// NewRemoveUpdate builds a Remove update.
func NewRemoveUpdate(addrs ...Address) Update {
	return Update{Kind: UpdateRemove, Remove: addrs}
}

// NewEmptyUpdate builds an Empty update.
func NewEmptyUpdate() Update { return Update{Kind: UpdateEmpty} }

// NewDoesNotExistUpdate builds a DoesNotExist update.
func NewDoesNotExistUpdate() Update { return Update{Kind: UpdateDoesNotExist} }

// ChangeKind discriminates the tagged variant carried by Change.
type ChangeKind int

const (
	// ChangeInsert delivers a newly built service for an address.
	ChangeInsert ChangeKind = iota
	// ChangeRemove retires a previously inserted (or never-completed)
	// address.
	ChangeRemove
	// ChangeEmpty surfaces an Update.Empty to the consumer: the target
	// exists but currently has no endpoints.
	ChangeEmpty
	// ChangeDoesNotExist surfaces an Update.DoesNotExist to the consumer:
	// the target is unknown to the resolver.
	ChangeDoesNotExist
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "Insert"
	case ChangeRemove:
		return "Remove"
	case ChangeEmpty:
		return "Empty"
	case ChangeDoesNotExist:
		return "DoesNotExist"
	default:
		return "Unknown"
	}
}

// Change is the output alphabet of the pipeline: Insert(addr, service) |
// Remove(addr), plus ChangeEmpty/ChangeDoesNotExist, the two sentinels
// that surface an Update.Empty / Update.DoesNotExist straight through to
// the consumer.
type Change[S any] struct {
	Kind    ChangeKind
	Addr    Address
	Service S
}
