package checksum

import (
	"hash/crc32"

	"github.com/cespare/xxhash"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/cowtree/types"
)

// ErrUnsupportedMethod is returned if check method is not supported.
var ErrUnsupportedMethod = errors.New("unsupported check method")

var iscsiTable = crc32.MakeTable(crc32.Castagnoli)

// ISCSI32 computes 32-bit iSCSI CRC of the data.
func ISCSI32(data []byte) uint32 {
	return crc32.Checksum(data, iscsiTable)
}

// Compute computes check value of the data using requested method.
func Compute(method types.CheckMethod, data []byte) (types.Check, error) {
	var check types.Check
	switch method {
	case types.CheckNone:
	case types.CheckISCSI32, types.CheckFreemap:
		check.SetISCSI32(ISCSI32(data))
	case types.CheckXXHash64:
		check.SetXXHash64(xxhash.Sum64(data))
	case types.CheckBlake3:
		check = blake3.Sum256(data)
	default:
		return check, errors.Wrapf(ErrUnsupportedMethod, "method %d", method)
	}
	return check, nil
}

// Verify verifies that check value matches the data.
func Verify(method types.CheckMethod, data []byte, check types.Check) error {
	expected, err := Compute(method, data)
	if err != nil {
		return err
	}
	if expected != check {
		return errors.Errorf("check value mismatch for method %d", method)
	}
	return nil
}

// UpdateVolume recomputes CRCs of the volume header.
// Section 1 is computed first because section 0 does not cover it but header CRC covers both section CRCs.
func UpdateVolume(vd *types.VolumeData) {
	b := photon.NewFromValue(vd).B
	vd.ICRCSects[types.VolumeICRCSect1] = ISCSI32(b[types.VolumeICRC1Off : types.VolumeICRC1Off+types.VolumeICRC1Size])
	vd.ICRCSects[types.VolumeICRCSect0] = ISCSI32(b[types.VolumeICRC0Off : types.VolumeICRC0Off+types.VolumeICRC0Size])
	vd.ICRCVolHeader = ISCSI32(b[types.VolumeICRCVHOff : types.VolumeICRCVHOff+types.VolumeICRCVHSize])
}

// VerifyVolume verifies CRCs of the volume header.
func VerifyVolume(vd *types.VolumeData) error {
	if vd.Magic != types.VolumeMagic {
		return errors.Errorf("invalid volume magic %x", vd.Magic)
	}

	b := photon.NewFromValue(vd).B
	if crc := ISCSI32(b[types.VolumeICRC1Off : types.VolumeICRC1Off+types.VolumeICRC1Size]); crc !=
		vd.ICRCSects[types.VolumeICRCSect1] {
		return errors.Errorf("section 1 crc mismatch: %x != %x", crc, vd.ICRCSects[types.VolumeICRCSect1])
	}
	if crc := ISCSI32(b[types.VolumeICRC0Off : types.VolumeICRC0Off+types.VolumeICRC0Size]); crc !=
		vd.ICRCSects[types.VolumeICRCSect0] {
		return errors.Errorf("section 0 crc mismatch: %x != %x", crc, vd.ICRCSects[types.VolumeICRCSect0])
	}
	if crc := ISCSI32(b[types.VolumeICRCVHOff : types.VolumeICRCVHOff+types.VolumeICRCVHSize]); crc !=
		vd.ICRCVolHeader {
		return errors.Errorf("volume header crc mismatch: %x != %x", crc, vd.ICRCVolHeader)
	}
	return nil
}
