package codec

import "fmt"

// SnapshotMetaVersion is the only format version this store understands
// (spec §4.2 "[0] format version (must equal known constant; else
// malformed)").
const SnapshotMetaVersion = 1

// EncodeSnapshotMeta lays out the metadata file body exactly as spec §4.2
// specifies, big-endian 64-bit words:
//
//	[0] format version
//	[1] crc32 of words [2..] concatenated with configuration bytes
//	[2] configuration_index
//	[3] configuration length in bytes
//	[.] configuration bytes
func EncodeSnapshotMeta(configurationIndex uint64, configuration []byte) []byte {
	buf := make([]byte, 32+len(configuration))
	PutUint64BE(buf[0:8], SnapshotMetaVersion)
	PutUint64BE(buf[16:24], configurationIndex)
	PutUint64BE(buf[24:32], uint64(len(configuration)))
	copy(buf[32:], configuration)

	sum := ChecksumAll(buf[16:32], configuration)
	PutUint64BE(buf[8:16], uint64(sum))
	return buf
}

// DecodeSnapshotMeta reverses EncodeSnapshotMeta, validating the format
// version and checksum.
func DecodeSnapshotMeta(buf []byte) (configurationIndex uint64, configuration []byte, err error) {
	if len(buf) < 32 {
		return 0, nil, fmt.Errorf("snapshot metadata too short: %d bytes", len(buf))
	}
	version := Uint64BE(buf[0:8])
	if version != SnapshotMetaVersion {
		return 0, nil, fmt.Errorf("unsupported snapshot metadata version %d", version)
	}
	wantCRC := Uint64BE(buf[8:16])
	configurationIndex = Uint64BE(buf[16:24])
	clen := Uint64BE(buf[24:32])
	const maxConfigBytes = 1 << 20 // 1 MiB, spec §4.2
	if clen > maxConfigBytes || 32+clen > uint64(len(buf)) {
		return 0, nil, fmt.Errorf("implausible configuration length %d", clen)
	}
	configuration = append([]byte(nil), buf[32:32+clen]...)
	gotCRC := ChecksumAll(buf[16:32], configuration)
	if uint64(gotCRC) != wantCRC {
		return 0, nil, fmt.Errorf("snapshot metadata checksum mismatch")
	}
	return configurationIndex, configuration, nil
}
