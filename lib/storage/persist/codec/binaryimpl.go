package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage"
	"io"
)

// Constants for the binary file layout
const (
	magicNum     = "WSTORE\x00\x00" // File format identifier
	recordHeader = 1 + 4 + 4        // flags + key length + value length

	// maxAllocation caps a single key or value, larger lengths in a file are
	// reported as out of memory
	maxAllocation = 1 << 30
)

// Bit flags of a record
const (
	flagReadOnly byte = 1 << 0
)

// NewBinaryCodec creates a codec using a compact custom binary format
//
// Layout (little endian):
//
//	magic[8] version[u8] count[u64] { flags[u8] keyLen[u32] key valueLen[u32] value }*
func NewBinaryCodec() ICodec {
	return &binaryCodecImpl{}
}

// binaryCodecImpl implements ICodec using a custom binary format
type binaryCodecImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (b binaryCodecImpl) Name() string {
	return "binary"
}

func (b binaryCodecImpl) Encode(records []Record) ([]byte, error) {
	size := len(magicNum) + 1 + 8
	for _, r := range records {
		size += recordHeader + len(r.Key) + len(r.Value)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	bw := bufio.NewWriter(&buf)

	// Write file header
	if _, err := bw.WriteString(magicNum); err != nil {
		return nil, err
	}
	if err := bw.WriteByte(fileVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(records))); err != nil {
		return nil, err
	}

	// Write records
	for _, r := range records {
		if err := writeRecord(bw, r); err != nil {
			return nil, err
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b binaryCodecImpl) Decode(data []byte) ([]Record, error) {
	br := bytes.NewReader(data)

	// Read and verify magic number
	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if string(magicBytes) != magicNum {
		return nil, fmt.Errorf("%w: magic number mismatch", ErrMalformed)
	}

	// Read and verify version
	version, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d (expected %d)", ErrMalformed, version, fileVersion)
	}

	// Read record count, every record needs at least its header
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if count > uint64(br.Len()/recordHeader) {
		return nil, fmt.Errorf("%w: %d records announced but only %d bytes left", ErrMalformed, count, br.Len())
	}

	records := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		r, err := readRecord(br)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, r)
	}

	if br.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, br.Len())
	}
	return records, nil
}

// --------------------------------------------------------------------------
// Single record encoding (also used by the bbolt store)
// --------------------------------------------------------------------------

// MarshalRecord encodes a single record without file header.
func MarshalRecord(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(recordHeader + len(r.Key) + len(r.Value))
	_ = writeRecord(&buf, r) // writes to a bytes.Buffer never fail
	return buf.Bytes()
}

// UnmarshalRecord decodes a record written by MarshalRecord.
func UnmarshalRecord(b []byte) (Record, error) {
	br := bytes.NewReader(b)
	r, err := readRecord(br)
	if err != nil {
		return Record{}, err
	}
	if br.Len() != 0 {
		return Record{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, br.Len())
	}
	return r, nil
}

func writeRecord(w io.Writer, r Record) error {
	var flags byte
	if r.ReadOnly {
		flags |= flagReadOnly
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Key))); err != nil {
		return err
	}
	if _, err := w.Write(r.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Value))); err != nil {
		return err
	}
	_, err := w.Write(r.Value)
	return err
}

func readRecord(br *bytes.Reader) (Record, error) {
	flags, err := br.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	key, err := readBlob(br)
	if err != nil {
		return Record{}, err
	}
	value, err := readBlob(br)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Value: value, ReadOnly: flags&flagReadOnly != 0}, nil
}

// readBlob reads a length-prefixed byte slice
func readBlob(br *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > maxAllocation {
		return nil, storage.Errorf(storage.RetCOutOfMemory, "blob of %d bytes exceeds the allocation limit", n)
	}
	if int64(n) > int64(br.Len()) {
		return nil, fmt.Errorf("%w: blob of %d bytes but only %d left", ErrMalformed, n, br.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}
