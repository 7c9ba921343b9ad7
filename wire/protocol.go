// Package wire implements the length-prefixed framed wire protocol of
// spec.md §6. The teacher's newer server (weed/server/volume_grpc_*.go)
// speaks gRPC over generated protobuf stubs; this repo cannot run
// protoc, and the spec itself specifies a hand-rolled length-prefixed
// frame format, so the transport here is a direct net.Conn codec
// instead (see SPEC_FULL.md Domain Stack for the full rationale).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rsslabs/shuffle/model"
)

// MessageType tags a frame's payload shape.
type MessageType byte

const (
	MsgPushData MessageType = iota + 1
	MsgPushMergedData
	MsgPushAck
	MsgOpenStream
	MsgStreamHandle
	MsgReadAddCredit
	MsgChunkData
	MsgReserveSlot
	MsgReserveSlotAck
)

// Status is the ack status set of spec.md §6.
type Status byte

const (
	StatusSuccess Status = iota
	StatusSoftSplit
	StatusHardSplit
	StatusStageEnd
	StatusPushDataFailPrimary
	StatusPushDataFailReplica
	StatusCongestControl
	StatusPausePush
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusSoftSplit:
		return "SOFT_SPLIT"
	case StatusHardSplit:
		return "HARD_SPLIT"
	case StatusStageEnd:
		return "STAGE_END"
	case StatusPushDataFailPrimary:
		return "PUSH_DATA_FAIL_PRIMARY"
	case StatusPushDataFailReplica:
		return "PUSH_DATA_FAIL_REPLICA"
	case StatusCongestControl:
		return "CONGEST_CONTROL"
	case StatusPausePush:
		return "PAUSE_PUSH"
	default:
		return "UNKNOWN"
	}
}

// PushData is the primary push RPC request (spec.md §6).
type PushData struct {
	ShuffleKey         string
	PartitionLocationID int32
	Epoch              int32
	MapID              uint32
	AttemptID          uint32
	BatchID            uint32
	Body               []byte
}

// PushAck answers a PushData/PushMergedData request.
type PushAck struct {
	Status Status
}

// MergedItem names one batch's destination inside a PushMergedData
// message's Body: the partition location it targets and the epoch that
// location is currently at. The batch's map_id/attempt_id/batch_id
// travel with the batch framing itself (EncodeBatchHeader) at
// Offsets[i] in Body, not in MergedItem.
type MergedItem struct {
	PartitionLocationID int32
	Epoch               int32
}

// PushMergedData batches several batches that share a destination
// endpoint into a single wire message (spec.md §6): one batch per
// Locations[i], starting at byte Offsets[i] in Body and framed with the
// 16-byte batch header (EncodeBatchHeader) followed by its payload. A
// single PushData's Body, by contrast, carries the payload alone.
type PushMergedData struct {
	ShuffleKey string
	Locations  []MergedItem
	Offsets    []uint32
	Body       []byte
}

// OpenStream requests a credit-gated chunk stream over a range of map ids.
type OpenStream struct {
	ShuffleKey    string
	FileName      string
	StartMap      int32
	EndMap        int32
	InitialCredit int32
}

// StreamHandle answers OpenStream with the chunk-offset index snapshot.
type StreamHandle struct {
	StreamID     string
	NumChunks    int32
	ChunkOffsets []uint64
}

// ReadAddCredit is the one-way credit replenishment message.
type ReadAddCredit struct {
	StreamID string
	Credit   int32
}

// ChunkData is one server-to-client streamed chunk.
type ChunkData struct {
	StreamID   string
	ChunkIndex int32
	Backlog    int32
	Offset     uint64
	Payload    []byte
}

// ReserveSlot is the stand-in reservation request for the control
// plane's slot-allocator RPC (named only as an external collaborator by
// spec.md §1/§6): grant a partition location on this worker for role,
// optionally pointing at an existing peer.
type ReserveSlot struct {
	ShuffleKey    string
	AppID         string
	PartitionID   int32
	Role          byte
	HasPeer       bool
	PeerHost      string
	PeerPushPort  int32
	PeerFetchPort int32
}

// ReserveSlotAck answers ReserveSlot with the granted location's address
// and epoch.
type ReserveSlotAck struct {
	Host      string
	Epoch     int32
	PushPort  int32
	FetchPort int32
}

var errShortFrame = errors.New("wire: short frame")

func writeFrame(w io.Writer, mt MessageType, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(mt)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (MessageType, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	mt := MessageType(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return mt, payload, nil
}

func putString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, s...)
	return buf
}

func getString(payload []byte, off int) (string, int, error) {
	if off+4 > len(payload) {
		return "", 0, errShortFrame
	}
	n := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+n > len(payload) {
		return "", 0, errShortFrame
	}
	return string(payload[off : off+n]), off + n, nil
}

func putU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func getU32(payload []byte, off int) (uint32, int, error) {
	if off+4 > len(payload) {
		return 0, 0, errShortFrame
	}
	return binary.LittleEndian.Uint32(payload[off:]), off + 4, nil
}

func putU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return append(buf, b...)
}

func getU64(payload []byte, off int) (uint64, int, error) {
	if off+8 > len(payload) {
		return 0, 0, errShortFrame
	}
	return binary.LittleEndian.Uint64(payload[off:]), off + 8, nil
}

// WritePushData frames and writes a PushData request.
func WritePushData(w io.Writer, p *PushData) error {
	var buf []byte
	buf = putString(buf, p.ShuffleKey)
	buf = putU32(buf, uint32(p.PartitionLocationID))
	buf = putU32(buf, uint32(p.Epoch))
	buf = putU32(buf, p.MapID)
	buf = putU32(buf, p.AttemptID)
	buf = putU32(buf, p.BatchID)
	buf = putU32(buf, uint32(len(p.Body)))
	buf = append(buf, p.Body...)
	return writeFrame(w, MsgPushData, buf)
}

// ReadPushData reads one frame and decodes it as PushData. Callers that
// multiplex message types read the frame with PeekType and decode it with
// DecodePushData instead; this helper is for single-message-type
// connections.
func ReadPushData(r io.Reader) (*PushData, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgPushData {
		return nil, fmt.Errorf("wire: expected PushData, got type %d", mt)
	}
	return DecodePushData(payload)
}

// DecodePushData decodes a PushData payload (exported so a
// multiplexing dispatcher can decode after inspecting the type tag).
func DecodePushData(payload []byte) (*PushData, error) {
	p := &PushData{}
	var off int
	var err error
	if p.ShuffleKey, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	p.PartitionLocationID = int32(v)
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	p.Epoch = int32(v)
	if p.MapID, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	if p.AttemptID, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	if p.BatchID, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	var size uint32
	if size, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	if off+int(size) > len(payload) {
		return nil, errShortFrame
	}
	p.Body = payload[off : off+int(size)]
	return p, nil
}

// WritePushMergedData frames and writes a PushMergedData request.
func WritePushMergedData(w io.Writer, p *PushMergedData) error {
	var buf []byte
	buf = putString(buf, p.ShuffleKey)
	buf = putU32(buf, uint32(len(p.Locations)))
	for _, l := range p.Locations {
		buf = putU32(buf, uint32(l.PartitionLocationID))
		buf = putU32(buf, uint32(l.Epoch))
	}
	buf = putU32(buf, uint32(len(p.Offsets)))
	for _, o := range p.Offsets {
		buf = putU32(buf, o)
	}
	buf = putU32(buf, uint32(len(p.Body)))
	buf = append(buf, p.Body...)
	return writeFrame(w, MsgPushMergedData, buf)
}

// ReadPushMergedData reads one frame and decodes it as PushMergedData.
func ReadPushMergedData(r io.Reader) (*PushMergedData, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgPushMergedData {
		return nil, fmt.Errorf("wire: expected PushMergedData, got type %d", mt)
	}
	return DecodePushMergedData(payload)
}

// DecodePushMergedData decodes a PushMergedData payload (exported so a
// multiplexing dispatcher can decode after inspecting the type tag).
func DecodePushMergedData(payload []byte) (*PushMergedData, error) {
	p := &PushMergedData{}
	var off int
	var err error
	if p.ShuffleKey, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var nLoc uint32
	if nLoc, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	p.Locations = make([]MergedItem, nLoc)
	for i := range p.Locations {
		var locID, epoch uint32
		if locID, off, err = getU32(payload, off); err != nil {
			return nil, err
		}
		if epoch, off, err = getU32(payload, off); err != nil {
			return nil, err
		}
		p.Locations[i] = MergedItem{PartitionLocationID: int32(locID), Epoch: int32(epoch)}
	}
	var nOff uint32
	if nOff, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	p.Offsets = make([]uint32, nOff)
	for i := range p.Offsets {
		if p.Offsets[i], off, err = getU32(payload, off); err != nil {
			return nil, err
		}
	}
	var size uint32
	if size, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	if off+int(size) > len(payload) {
		return nil, errShortFrame
	}
	p.Body = payload[off : off+int(size)]
	return p, nil
}

// WritePushAck frames and writes a push ack.
func WritePushAck(w io.Writer, a *PushAck) error {
	return writeFrame(w, MsgPushAck, []byte{byte(a.Status)})
}

// ReadPushAck reads one ack frame.
func ReadPushAck(r io.Reader) (*PushAck, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgPushAck || len(payload) < 1 {
		return nil, fmt.Errorf("wire: malformed push ack")
	}
	return &PushAck{Status: Status(payload[0])}, nil
}

// WriteOpenStream frames and writes an OpenStream request.
func WriteOpenStream(w io.Writer, o *OpenStream) error {
	var buf []byte
	buf = putString(buf, o.ShuffleKey)
	buf = putString(buf, o.FileName)
	buf = putU32(buf, uint32(o.StartMap))
	buf = putU32(buf, uint32(o.EndMap))
	buf = putU32(buf, uint32(o.InitialCredit))
	return writeFrame(w, MsgOpenStream, buf)
}

// ReadOpenStream reads an OpenStream request.
func ReadOpenStream(r io.Reader) (*OpenStream, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgOpenStream {
		return nil, fmt.Errorf("wire: expected OpenStream, got type %d", mt)
	}
	o := &OpenStream{}
	var off int
	if o.ShuffleKey, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if o.FileName, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	o.StartMap = int32(v)
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	o.EndMap = int32(v)
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	o.InitialCredit = int32(v)
	return o, nil
}

// WriteStreamHandle frames and writes a StreamHandle response.
func WriteStreamHandle(w io.Writer, h *StreamHandle) error {
	var buf []byte
	buf = putString(buf, h.StreamID)
	buf = putU32(buf, uint32(h.NumChunks))
	buf = putU32(buf, uint32(len(h.ChunkOffsets)))
	for _, o := range h.ChunkOffsets {
		buf = putU64(buf, o)
	}
	return writeFrame(w, MsgStreamHandle, buf)
}

// ReadStreamHandle reads a StreamHandle response.
func ReadStreamHandle(r io.Reader) (*StreamHandle, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgStreamHandle {
		return nil, fmt.Errorf("wire: expected StreamHandle, got type %d", mt)
	}
	h := &StreamHandle{}
	var off int
	if h.StreamID, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	h.NumChunks = int32(v)
	var n uint32
	if n, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	h.ChunkOffsets = make([]uint64, n)
	for i := range h.ChunkOffsets {
		var o uint64
		if o, off, err = getU64(payload, off); err != nil {
			return nil, err
		}
		h.ChunkOffsets[i] = o
	}
	return h, nil
}

// WriteReadAddCredit frames and writes a one-way credit message.
func WriteReadAddCredit(w io.Writer, c *ReadAddCredit) error {
	var buf []byte
	buf = putString(buf, c.StreamID)
	buf = putU32(buf, uint32(c.Credit))
	return writeFrame(w, MsgReadAddCredit, buf)
}

// ReadReadAddCredit reads a credit message.
func ReadReadAddCredit(r io.Reader) (*ReadAddCredit, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgReadAddCredit {
		return nil, fmt.Errorf("wire: expected ReadAddCredit, got type %d", mt)
	}
	c := &ReadAddCredit{}
	var off int
	if c.StreamID, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	c.Credit = int32(v)
	return c, nil
}

// WriteChunkData frames and writes one streamed chunk.
func WriteChunkData(w io.Writer, c *ChunkData) error {
	var buf []byte
	buf = putString(buf, c.StreamID)
	buf = putU32(buf, uint32(c.ChunkIndex))
	buf = putU32(buf, uint32(c.Backlog))
	buf = putU64(buf, c.Offset)
	buf = putU32(buf, uint32(len(c.Payload)))
	buf = append(buf, c.Payload...)
	return writeFrame(w, MsgChunkData, buf)
}

// ReadChunkData reads one streamed chunk.
func ReadChunkData(r io.Reader) (*ChunkData, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgChunkData {
		return nil, fmt.Errorf("wire: expected ChunkData, got type %d", mt)
	}
	c := &ChunkData{}
	var off int
	if c.StreamID, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	c.ChunkIndex = int32(v)
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	c.Backlog = int32(v)
	var o uint64
	if o, off, err = getU64(payload, off); err != nil {
		return nil, err
	}
	c.Offset = o
	var size uint32
	if size, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	if off+int(size) > len(payload) {
		return nil, errShortFrame
	}
	c.Payload = payload[off : off+int(size)]
	return c, nil
}

// PeekType reads the next frame's type and raw payload without assuming
// a message kind, for multiplexed connections (push handler accepts
// both PushData and PushMergedData on one socket).
func PeekType(r io.Reader) (MessageType, []byte, error) {
	return readFrame(r)
}

// WriteReserveSlot frames and writes a ReserveSlot request.
func WriteReserveSlot(w io.Writer, s *ReserveSlot) error {
	var buf []byte
	buf = putString(buf, s.ShuffleKey)
	buf = putString(buf, s.AppID)
	buf = putU32(buf, uint32(s.PartitionID))
	buf = append(buf, s.Role)
	if s.HasPeer {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putString(buf, s.PeerHost)
	buf = putU32(buf, uint32(s.PeerPushPort))
	buf = putU32(buf, uint32(s.PeerFetchPort))
	return writeFrame(w, MsgReserveSlot, buf)
}

// ReadReserveSlot reads a ReserveSlot request.
func ReadReserveSlot(r io.Reader) (*ReserveSlot, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgReserveSlot {
		return nil, fmt.Errorf("wire: expected ReserveSlot, got type %d", mt)
	}
	s := &ReserveSlot{}
	var off int
	if s.ShuffleKey, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if s.AppID, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	var v uint32
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	s.PartitionID = int32(v)
	if off+1 > len(payload) {
		return nil, errShortFrame
	}
	s.Role = payload[off]
	off++
	if off+1 > len(payload) {
		return nil, errShortFrame
	}
	s.HasPeer = payload[off] != 0
	off++
	if s.PeerHost, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	s.PeerPushPort = int32(v)
	if v, off, err = getU32(payload, off); err != nil {
		return nil, err
	}
	s.PeerFetchPort = int32(v)
	return s, nil
}

// WriteReserveSlotAck frames and writes a ReserveSlotAck response.
func WriteReserveSlotAck(w io.Writer, a *ReserveSlotAck) error {
	var buf []byte
	buf = putString(buf, a.Host)
	buf = putU32(buf, uint32(a.Epoch))
	buf = putU32(buf, uint32(a.PushPort))
	buf = putU32(buf, uint32(a.FetchPort))
	return writeFrame(w, MsgReserveSlotAck, buf)
}

// ReadReserveSlotAck reads a ReserveSlotAck response.
func ReadReserveSlotAck(r io.Reader) (*ReserveSlotAck, error) {
	mt, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if mt != MsgReserveSlotAck {
		return nil, fmt.Errorf("wire: expected ReserveSlotAck, got type %d", mt)
	}
	a := &ReserveSlotAck{}
	var off int
	var err2 error
	if a.Host, off, err2 = getString(payload, off); err2 != nil {
		return nil, err2
	}
	var v uint32
	if v, off, err2 = getU32(payload, off); err2 != nil {
		return nil, err2
	}
	a.Epoch = int32(v)
	if v, off, err2 = getU32(payload, off); err2 != nil {
		return nil, err2
	}
	a.PushPort = int32(v)
	if v, off, err2 = getU32(payload, off); err2 != nil {
		return nil, err2
	}
	a.FetchPort = int32(v)
	return a, nil
}

// EncodeBatchHeader writes the on-disk/on-wire batch framing prefix.
func EncodeBatchHeader(mapID, attemptID, batchID, size uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], mapID)
	binary.LittleEndian.PutUint32(buf[4:], attemptID)
	binary.LittleEndian.PutUint32(buf[8:], batchID)
	binary.LittleEndian.PutUint32(buf[12:], size)
	return buf
}

// DecodeBatchHeader parses a 16-byte batch framing prefix.
func DecodeBatchHeader(buf []byte) (mapID, attemptID, batchID, size uint32, err error) {
	if len(buf) < 16 {
		return 0, 0, 0, 0, errShortFrame
	}
	mapID = binary.LittleEndian.Uint32(buf[0:])
	attemptID = binary.LittleEndian.Uint32(buf[4:])
	batchID = binary.LittleEndian.Uint32(buf[8:])
	size = binary.LittleEndian.Uint32(buf[12:])
	return
}

// EncodeCommitMetadata serializes a CommitMetadata record (the payload
// of a METADATA_BATCH_ID batch): bytes u64, crc32c u32, record_count u64.
func EncodeCommitMetadata(m model.CommitMetadata) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:], m.Bytes)
	binary.LittleEndian.PutUint32(buf[8:], m.CRC32C)
	binary.LittleEndian.PutUint64(buf[12:], m.RecordCount)
	return buf
}

// DecodeCommitMetadata parses a CommitMetadata record.
func DecodeCommitMetadata(buf []byte) (model.CommitMetadata, error) {
	if len(buf) < 20 {
		return model.CommitMetadata{}, errShortFrame
	}
	return model.CommitMetadata{
		Bytes:       binary.LittleEndian.Uint64(buf[0:]),
		CRC32C:      binary.LittleEndian.Uint32(buf[8:]),
		RecordCount: binary.LittleEndian.Uint64(buf[12:]),
	}, nil
}
