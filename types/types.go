package types

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/google/uuid"
)

const (
	// UInt32Length is the number of bytes taken by uint32.
	UInt32Length = 4

	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// CheckLength is the number of bytes reserved for the check value in block reference.
	CheckLength = 32

	// SetCount is the number of block references in inode, volume and freemap block sets.
	SetCount = 8

	// MinRadix is the radix of the smallest allocatable block.
	MinRadix = 10

	// MaxRadix is the radix of the largest allocatable block.
	MaxRadix = 16

	// VolumeMagic identifies volume header.
	VolumeMagic uint64 = 0x48414d3205172011
)

type (
	// TID is the transaction ID.
	TID uint64

	// Key is the key of a node in the tree keyspace.
	Key uint64

	// PhysicalAddress represents the address of a block on the device.
	PhysicalAddress uint64

	// Check stores the check value of a block.
	Check [CheckLength]byte
)

// MaxTID is used as the delete TID of live chains.
const MaxTID TID = math.MaxUint64

// ISCSI32 returns 32-bit CRC stored in the check value.
func (c *Check) ISCSI32() uint32 {
	return binary.LittleEndian.Uint32(c[:UInt32Length])
}

// SetISCSI32 stores 32-bit CRC in the check value.
func (c *Check) SetISCSI32(v uint32) {
	clear(c[:])
	binary.LittleEndian.PutUint32(c[:UInt32Length], v)
}

// XXHash64 returns 64-bit hash stored in the check value.
func (c *Check) XXHash64() uint64 {
	return binary.LittleEndian.Uint64(c[:UInt64Length])
}

// SetXXHash64 stores 64-bit hash in the check value.
func (c *Check) SetXXHash64(v uint64) {
	clear(c[:])
	binary.LittleEndian.PutUint64(c[:UInt64Length], v)
}

// BrefType enumerates node types.
type BrefType uint8

// Node types.
const (
	BrefTypeEmpty BrefType = iota
	BrefTypeInode
	BrefTypeIndirect
	BrefTypeData
	BrefTypeVolume
	BrefTypeFreemap
	BrefTypeFreemapNode
	BrefTypeFreemapLeaf
)

func (t BrefType) String() string {
	switch t {
	case BrefTypeEmpty:
		return "empty"
	case BrefTypeInode:
		return "inode"
	case BrefTypeIndirect:
		return "indirect"
	case BrefTypeData:
		return "data"
	case BrefTypeVolume:
		return "volume"
	case BrefTypeFreemap:
		return "freemap"
	case BrefTypeFreemapNode:
		return "freemapNode"
	case BrefTypeFreemapLeaf:
		return "freemapLeaf"
	default:
		return "unknown"
	}
}

// CheckMethod enumerates check value algorithms.
type CheckMethod uint8

// Check methods.
const (
	CheckNone CheckMethod = iota
	CheckISCSI32
	CheckFreemap
	CheckXXHash64
	CheckBlake3
)

// BlockRef is the reference to the block stored in parent's block table.
type BlockRef struct {
	Key       Key
	DataOff   PhysicalAddress
	MirrorTID TID
	ModifyTID TID
	Check     Check
	Type      BrefType
	Methods   CheckMethod
	KeyBits   uint8
	Radix     uint8
	_         [4]byte
}

// Bytes returns the size of referenced block.
func (b *BlockRef) Bytes() uint64 {
	if b.Radix == 0 {
		return 0
	}
	return 1 << b.Radix
}

// BlockRefSize is the number of bytes taken by block reference.
const BlockRefSize = uint64(unsafe.Sizeof(BlockRef{}))

// BlockSet is the fixed-size block table embedded in inodes and volume header.
type BlockSet [SetCount]BlockRef

// InodeOpFlags defines inode operation flags.
type InodeOpFlags uint64

// InodeOpFlagDirectData means inode stores data directly instead of block table.
const InodeOpFlagDirectData InodeOpFlags = 1 << 0

// InodeData is the persistent inode header.
type InodeData struct {
	InodeNumber uint64
	DataCount   int64
	InodeCount  int64
	OpFlags     InodeOpFlags
	BlockSet    BlockSet
}

// InodeDataSize is the number of bytes taken by inode header.
const InodeDataSize = uint64(unsafe.Sizeof(InodeData{}))

// VolumeData is the volume header.
type VolumeData struct {
	Magic         uint64
	FSID          uuid.UUID
	VolumeSize    uint64
	AllocTID      TID
	InodeTID      TID
	ICRCSects     [2]uint32
	ICRCVolHeader uint32
	_             uint32

	// Section 0.
	MirrorTID  TID
	FreemapTID TID

	// Section 1.
	SRoot      BlockSet
	FreemapSet BlockSet
}

// Indexes of the CRC sections in volume header.
const (
	VolumeICRCSect0 = 0
	VolumeICRCSect1 = 1
)

// Byte ranges of the volume header covered by CRCs.
var (
	VolumeICRC0Off  = uint64(unsafe.Offsetof(VolumeData{}.MirrorTID))
	VolumeICRC0Size = uint64(unsafe.Offsetof(VolumeData{}.SRoot)) - VolumeICRC0Off
	VolumeICRC1Off  = uint64(unsafe.Offsetof(VolumeData{}.SRoot))
	VolumeICRC1Size = uint64(unsafe.Sizeof(VolumeData{})) - VolumeICRC1Off
	VolumeICRCVHOff = uint64(0)
	// VolumeICRCVHSize covers everything up to the header CRC field, section CRCs included.
	VolumeICRCVHSize = uint64(unsafe.Offsetof(VolumeData{}.ICRCVolHeader))
)

// VolumeDataSize is the number of bytes taken by volume header.
const VolumeDataSize = uint64(unsafe.Sizeof(VolumeData{}))
