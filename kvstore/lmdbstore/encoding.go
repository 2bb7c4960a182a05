package lmdbstore

import (
	"encoding/binary"
	"fmt"

	"github.com/ledgerwatch/epengine/kvstore"
)

// encodeRowID/decodeRowID give rowIDs a byte order LMDB will iterate in
// ascending numeric order, the same trick EncodeBlockNumber plays in
// turbo-geth's dbutils package.
func encodeRowID(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func decodeRowID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func encodeVBStateKey(id, version uint16) []byte {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], id)
	binary.BigEndian.PutUint16(b[2:4], version)
	return b[:]
}

func decodeVBStateKey(b []byte) (id, version uint16) {
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])
}

// encodeRow/decodeRow give the row table a flat, length-prefixed
// layout: keyLen, key, valueLen, value, flags, exptime, cas, vbid,
// vbversion.
func encodeRow(r kvstore.Row) []byte {
	buf := make([]byte, 0, 4+len(r.Key)+4+len(r.Value)+4+4+8+2+2)
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(r.Key)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, r.Key...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(r.Value)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, r.Value...)

	binary.BigEndian.PutUint32(tmp[:4], r.Flags)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], r.Exptime)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint64(tmp[:8], r.Cas)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint16(tmp[:2], r.VBID)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], r.VBVersion)
	buf = append(buf, tmp[:2]...)
	return buf
}

func decodeRow(b []byte) (kvstore.Row, error) {
	var r kvstore.Row
	if len(b) < 4 {
		return r, fmt.Errorf("lmdbstore: short row record")
	}
	klen := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < klen+4 {
		return r, fmt.Errorf("lmdbstore: truncated key")
	}
	r.Key = append([]byte(nil), b[:klen]...)
	b = b[klen:]

	vlen := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < vlen+4+4+8+2+2 {
		return r, fmt.Errorf("lmdbstore: truncated value/meta")
	}
	r.Value = append([]byte(nil), b[:vlen]...)
	b = b[vlen:]

	r.Flags = binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	r.Exptime = binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	r.Cas = binary.BigEndian.Uint64(b[0:8])
	b = b[8:]
	r.VBID = binary.BigEndian.Uint16(b[0:2])
	b = b[2:]
	r.VBVersion = binary.BigEndian.Uint16(b[0:2])
	return r, nil
}
