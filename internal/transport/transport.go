// Package transport carries every RPC between clients and delegators
// and between delegators themselves: mount, fsync, read dispatch,
// server-to-server fetch, and extent-index forwarding. It is grounded
// on the teacher's internal/communication/grpc communicator — same
// envelope-plus-reflect-registry shape, same Start/Stop/Send surface —
// generalized from a single in-process MessageHandler to the RPC types
// this filesystem actually needs.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/unifycr-go/unifycr/internal/config"
)

// Message types exchanged between clients and delegators, and between
// delegators.
const (
	TypeMount        = "mount"
	TypeUnmount      = "unmount"
	TypeFsync        = "fsync"
	TypeReadDispatch = "read_dispatch"
	TypeFetch        = "fetch"
	TypeStoreExtents = "store_extents"
	TypeScanExtents  = "scan_extents"
)

// Message is one logical RPC call: a typed, named payload from one
// node to another.
type Message struct {
	From    string
	Type    string
	Payload any
}

// Response is the result of handling a Message.
type Response struct {
	Code string
	Body []byte
}

// Response codes.
const (
	CodeOK       = "OK"
	CodeInternal = "INTERNAL"
	CodeBadType  = "BAD_TYPE"
)

// Handler processes one inbound Message and produces a Response.
type Handler func(Message) (*Response, error)

// Communicator is the transport-agnostic interface every delegator and
// client depends on.
type Communicator interface {
	Address() string
	Start(handler Handler) error
	Stop() error
	Send(ctx context.Context, to string, msg Message) (*Response, error)
}

// Registry maps a message Type name to the concrete Go type its
// Payload decodes into, mirroring the teacher's payloadTypes map but
// built once at construction instead of hardcoded per message kind.
type Registry struct {
	types map[string]reflect.Type
}

// NewRegistry builds a Registry from Type name -> zero-value-of-payload
// pairs, e.g. NewRegistry(map[string]any{TypeMount: MountRequest{}}).
func NewRegistry(zero map[string]any) *Registry {
	r := &Registry{types: make(map[string]reflect.Type, len(zero))}
	for typ, sample := range zero {
		r.types[typ] = reflect.TypeOf(sample)
	}
	return r
}

// Decode unmarshals raw JSON bytes into a fresh value of the type
// registered for typ.
func (r *Registry) Decode(typ string, raw []byte) (any, error) {
	t, ok := r.types[typ]
	if !ok {
		return nil, fmt.Errorf("transport: unregistered message type %q", typ)
	}
	payload := reflect.New(t).Interface()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("transport: decode %q payload: %w", typ, err)
		}
	}
	return reflect.ValueOf(payload).Elem().Interface(), nil
}

// MountRequest/MountReply implement the client mount RPC (spec.md §3):
// the client attaches to a delegator and learns its app's shared
// superblock layout and assigned client rank.
type MountRequest struct {
	AppID    uint32 `json:"app_id"`
	JobID    string `json:"job_id"`
	NumRanks int    `json:"num_ranks"`
}

type MountReply struct {
	ClientRank      int                     `json:"client_rank"`
	DelegatorRank   int                     `json:"delegator_rank"`
	Layout          config.SuperblockLayout `json:"layout"`
	SuperblockDir   string                  `json:"superblock_dir"`
	SpillDir        string                  `json:"spill_dir"`
	MetaRangeSize   uint64                  `json:"meta_range_size"`
	MetaServerRatio int                     `json:"meta_server_ratio"`
}

// UnmountRequest tears down an app's delegator-side state once the
// last attached client rank disconnects.
type UnmountRequest struct {
	AppID      uint32 `json:"app_id"`
	ClientRank int    `json:"client_rank"`
}

// FsyncRequest asks the delegator to fold the extent and attribute
// records the client published in its superblock's meta and fmeta
// regions into the distributed index (spec.md §4.5). The records
// themselves travel through shared memory, not in this message.
type FsyncRequest struct {
	AppID      uint32 `json:"app_id"`
	ClientRank int    `json:"client_rank"`
	GFID       uint64 `json:"gfid"`
}

type FsyncReply struct {
	Code string `json:"code"`
}

// ReadDispatchRequest carries one client's batch of read requests for
// resolution against the distributed extent index (spec.md §4.6).
type ReadDispatchRequest struct {
	AppID      uint32        `json:"app_id"`
	ClientRank int           `json:"client_rank"`
	Requests   []ReadRequest `json:"requests"`
}

// ReadRequest is one (gfid, offset, length) read request.
type ReadRequest struct {
	GFID   uint64 `json:"gfid"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// ReadDispatchReply carries one assembled buffer per request, plus a
// parallel Errcodes slice (spec.md §4.6/§6's reply-header errcode):
// Errcodes[i] is empty when every descriptor resolved for request i
// was fetched in full, otherwise the first readresolver.ErrCode* a
// descriptor of that request hit. A range that no stored extent covers
// yields no descriptor and so no errcode. Data[i] always has request
// i's full length; bytes that were not fetched are zero.
type ReadDispatchReply struct {
	Code     string   `json:"code"`
	Data     [][]byte `json:"data"`
	Errcodes []string `json:"errcodes,omitempty"`
}

// FetchRequest is a server-to-server request for raw bytes already
// resolved to a specific owning delegator, app, and client rank.
type FetchRequest struct {
	AppID      uint32 `json:"app_id"`
	ClientRank int    `json:"client_rank"`
	Addr       uint64 `json:"addr"`
	Length     uint64 `json:"length"`
}

type FetchReply struct {
	Data []byte `json:"data"`
}

// DefaultRegistry returns the Registry covering every message type
// this module exchanges.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]any{
		TypeMount:        MountRequest{},
		TypeUnmount:      UnmountRequest{},
		TypeFsync:        FsyncRequest{},
		TypeReadDispatch: ReadDispatchRequest{},
		TypeFetch:        FetchRequest{},
		TypeStoreExtents: StoreExtentsRequest{},
		TypeScanExtents:  ScanExtentsRequest{},
	})
}
