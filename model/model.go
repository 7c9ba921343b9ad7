// Package model holds the data types shared across the worker and
// client halves of the pipeline: PartitionLocation, the batch wire
// header, and CommitMetadata. Grounded on
// common/.../protocol/PartitionLocation.java and
// common/.../meta/ReduceFileMeta.java from the Apache Celeborn sources.
package model

import (
	"fmt"
	"hash/crc32"
)

// Role is the side of a primary/replica pair a PartitionLocation names.
type Role byte

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// StorageHint is advisory placement for a partition's backing store.
// The only writer in this repo is the local-disk storage.FileWriter, which
// does not read the hint; MEMORY, HDFS and S3 are carried as location
// metadata only (see SPEC_FULL.md Domain Stack: DFS/object-store writers
// are out of scope).
type StorageHint byte

const (
	StorageMemory StorageHint = iota
	StorageSSD
	StorageHDD
	StorageHDFS
	StorageS3
)

// UserIdentifier scopes quotas and congestion tracking to a tenant+name
// pair (spec.md §3).
type UserIdentifier struct {
	Tenant string
	Name   string
}

func (u UserIdentifier) String() string {
	return fmt.Sprintf("%s.%s", u.Tenant, u.Name)
}

// PartitionKey identifies one incarnation of a partition.
type PartitionKey struct {
	ShuffleID   string
	PartitionID int
	Epoch       int
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%d-%d", k.ShuffleID, k.PartitionID, k.Epoch)
}

// PartitionLocation is the (partition_id, epoch, host, ports..., role,
// peer) tuple of spec.md §3. Peer is indirection-only: it never owns its
// peer, it names it, avoiding the cyclic-pointer problem called out in
// spec.md §9's design notes.
type PartitionLocation struct {
	PartitionID    int
	Epoch          int
	Host           string
	RPCPort        int
	PushPort       int
	FetchPort      int
	ReplicatePort  int
	Role           Role
	StorageHint    StorageHint
	DiskMount      string
	PeerHost       string
	PeerPushPort   int
	PeerFetchPort  int
	PeerReplicate  int
	HasPeer        bool
}

func (p PartitionLocation) Key(shuffleID string) PartitionKey {
	return PartitionKey{ShuffleID: shuffleID, PartitionID: p.PartitionID, Epoch: p.Epoch}
}

func (p PartitionLocation) HostAndPushPort() string {
	return fmt.Sprintf("%s:%d", p.Host, p.PushPort)
}

func (p PartitionLocation) HostAndFetchPort() string {
	return fmt.Sprintf("%s:%d", p.Host, p.FetchPort)
}

// MetadataBatchID is the reserved batch_id carrying a CommitMetadata
// record instead of user bytes (spec.md §3).
const MetadataBatchID uint32 = 0xFFFFFFFE

// BatchHeaderSize is the on-wire/on-disk size of the batch framing
// header: map_id, attempt_id, batch_id, payload_size, all u32 LE.
const BatchHeaderSize = 16

// BatchHeader is the framing prefix of spec.md §6.
type BatchHeader struct {
	MapID     uint32
	AttemptID uint32
	BatchID   uint32
	Size      uint32
}

// CommitMetadata is the monoidal per-(map,attempt) digest of spec.md §3:
// two values combine by summing counts and chaining CRCs.
type CommitMetadata struct {
	Bytes       uint64
	CRC32C      uint32
	RecordCount uint64
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// AddData folds raw bytes into the digest as one record.
func (m *CommitMetadata) AddData(data []byte) {
	m.Bytes += uint64(len(data))
	m.CRC32C = crc32.Update(m.CRC32C, crcTable, data)
	m.RecordCount++
}

// Combine chains another digest onto this one as if its bytes had been
// appended after this one's (the monoid operation described in spec.md
// §3), using the standard CRC combination identity so two CRCs computed
// independently over adjacent byte ranges equal one CRC computed over
// the concatenation.
func (m *CommitMetadata) Combine(other CommitMetadata) {
	m.CRC32C = crc32Combine(m.CRC32C, other.CRC32C, other.Bytes)
	m.Bytes += other.Bytes
	m.RecordCount += other.RecordCount
}

// castagnoliPolyReversed is the reversed (LSB-first) Castagnoli polynomial, the
// same table crc32.MakeTable(crc32.Castagnoli) is built from.
const castagnoliPolyReversed uint32 = 0x82f63b78

const gf2Dim = 32

func gf2MatrixTimes(mat *[gf2Dim]uint32, vec uint32) uint32 {
	var sum uint32
	i := 0
	for vec != 0 {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
		i++
	}
	return sum
}

func gf2MatrixSquare(square, mat *[gf2Dim]uint32) {
	for n := 0; n < gf2Dim; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// crc32Combine computes the CRC-32C of the concatenation of two byte
// ranges given only their individually-computed CRCs and the length of
// the second range, via GF(2) polynomial exponentiation (the same
// algorithm zlib's crc32_combine implements for the standard polynomial).
func crc32Combine(crc1, crc2 uint32, len2 uint64) uint32 {
	if len2 == 0 {
		return crc1
	}
	if crc1 == 0 {
		return crc2
	}

	var odd, even [gf2Dim]uint32
	odd[0] = castagnoliPolyReversed
	row := uint32(1)
	for n := 1; n < gf2Dim; n++ {
		odd[n] = row
		row <<= 1
	}
	gf2MatrixSquare(&even, &odd)
	gf2MatrixSquare(&odd, &even)

	n := len2
	for {
		gf2MatrixSquare(&even, &odd)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}
	}

	return crc1 ^ crc2
}

func (m CommitMetadata) String() string {
	return fmt.Sprintf("CommitMetadata{bytes=%d crc=%08x records=%d}", m.Bytes, m.CRC32C, m.RecordCount)
}

// Equal reports whether two digests match on all three fields.
func (m CommitMetadata) Equal(other CommitMetadata) bool {
	return m.Bytes == other.Bytes && m.CRC32C == other.CRC32C && m.RecordCount == other.RecordCount
}
