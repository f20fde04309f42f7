// pkg/clustercfg/clustercfg.go
package clustercfg

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// Status is the cluster's online/offline state, recorded on the descriptor
// by a Set(STATUS, ...) call.
type Status uint8

const (
	StatusOnline Status = iota
	StatusOffline
)

func (s Status) String() string {
	if s == StatusOffline {
		return "OFFLINE"
	}
	return "ONLINE"
}

func parseStatus(v string) (Status, error) {
	switch v {
	case "ONLINE":
		return StatusOnline, nil
	case "OFFLINE":
		return StatusOffline, nil
	default:
		return 0, fmt.Errorf("clustercfg: unknown status %q", v)
	}
}

// Attribute names accepted by Config.Set, matching spec's mutable-attribute
// vocabulary.
const (
	AttrName                       = "NAME"
	AttrRecordGrowFactor           = "RECORD_GROW_FACTOR"
	AttrRecordOverflowGrowFactor   = "RECORD_OVERFLOW_GROW_FACTOR"
	AttrConflictStrategy           = "CONFLICTSTRATEGY"
	AttrStatus                     = "STATUS"
	AttrEncryption                 = "ENCRYPTION"
)

// Config is the cluster descriptor: identity, the two record-growth
// factors, the compression/encryption method names plus the (opaque)
// encryption key, the conflict-resolution strategy name, and the
// online/offline status.
//
// A Config is a pure in-memory descriptor; configure() builds one without
// touching disk. Encode and Decode give its byte form; nothing in this
// module writes that form to disk.
type Config struct {
	ID                        int
	InstanceID                uuid.UUID
	Name                      string
	RecordGrowFactor          float64
	RecordOverflowGrowFactor  float64
	Compression               string
	Encryption                string
	EncryptionKey             []byte
	ConflictStrategy          string
	Status                    Status
}

// New builds a fresh cluster descriptor with the given id and name and the
// defaults spec.md calls for elsewhere (grow factors of 1, no compression,
// no encryption, no conflict strategy, ONLINE). InstanceID is freshly
// generated, mirroring how the storage root assigns every cluster a durable
// identity independent of its positional id.
func New(id int, name string) *Config {
	return &Config{
		ID:                       id,
		InstanceID:               uuid.New(),
		Name:                     name,
		RecordGrowFactor:         1.0,
		RecordOverflowGrowFactor: 1.0,
		Compression:              "nothing",
		Encryption:               "nothing",
		ConflictStrategy:         "none",
		Status:                   StatusOnline,
	}
}

// entriesCounter is implemented by whatever owns get_entries(), so Set can
// enforce "ENCRYPTION only changes on an empty cluster" without clustercfg
// needing to know about pages or position maps.
type entriesCounter interface {
	Entries() int64
}

// Set applies a mutable-attribute change, enforcing the same rules spec.md
// lists for PaginatedCluster.set(): grow factors must parse as floats >= 1,
// CONFLICTSTRATEGY and ENCRYPTION are validated against their registries by
// the caller (clustercfg only checks the emptiness precondition here since
// it has no registry dependency of its own), STATUS is parsed and stored on
// the descriptor, and an unknown attribute is always an error.
func (c *Config) Set(attribute, value string, owner entriesCounter) error {
	switch attribute {
	case AttrName:
		c.Name = value
		return nil
	case AttrRecordGrowFactor:
		f, err := parseGrowFactor(value)
		if err != nil {
			return err
		}
		c.RecordGrowFactor = f
		return nil
	case AttrRecordOverflowGrowFactor:
		f, err := parseGrowFactor(value)
		if err != nil {
			return err
		}
		c.RecordOverflowGrowFactor = f
		return nil
	case AttrConflictStrategy:
		c.ConflictStrategy = value
		return nil
	case AttrStatus:
		st, err := parseStatus(value)
		if err != nil {
			return err
		}
		c.Status = st
		return nil
	case AttrEncryption:
		if owner != nil && owner.Entries() != 0 {
			return fmt.Errorf("clustercfg: cannot change encryption on non-empty cluster")
		}
		c.Encryption = value
		return nil
	default:
		return fmt.Errorf("clustercfg: runtime change not supported for attribute %q", attribute)
	}
}

func parseGrowFactor(value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("clustercfg: invalid grow factor %q: %w", value, err)
	}
	if f < 1.0 {
		return 0, fmt.Errorf("clustercfg: grow factor must be >= 1, got %v", f)
	}
	return f, nil
}

// On-disk layout: a fixed header carrying the scalar fields, followed by a
// handful of length-prefixed (TLV-style) byte strings for the variable
// fields, the same two-part shape dbfile's page-0 header plus schema-entry
// catalog uses (fixed geometry fields up front, length-prefixed strings
// after).
//
// Fixed header:
// offset  size  field
// 0       4     magic "CCFG"
// 4       1     format version
// 5       4     ID (int32 LE)
// 9       16    InstanceID (raw UUID bytes)
// 25      8     RecordGrowFactor (float64 bits LE)
// 33      8     RecordOverflowGrowFactor (float64 bits LE)
// 41      1     Status
// 42      2     Name length
// 44      N     Name
// ...     2     Compression length
// ...     M     Compression
// ...     2     Encryption length
// ...     K     Encryption
// ...     2     EncryptionKey length
// ...     L     EncryptionKey
// ...     2     ConflictStrategy length
// ...     P     ConflictStrategy

const (
	configMagic   = "CCFG"
	configVersion = 1
	fixedHeaderSize = 4 + 1 + 4 + 16 + 8 + 8 + 1
)

// Encode serializes the descriptor to bytes in the layout above.
func (c *Config) Encode() []byte {
	strs := [][]byte{
		[]byte(c.Name),
		[]byte(c.Compression),
		[]byte(c.Encryption),
		c.EncryptionKey,
		[]byte(c.ConflictStrategy),
	}

	size := fixedHeaderSize
	for _, s := range strs {
		size += 2 + len(s)
	}

	buf := make([]byte, size)
	copy(buf[0:4], configMagic)
	buf[4] = configVersion
	binary.LittleEndian.PutUint32(buf[5:9], uint32(int32(c.ID)))
	copy(buf[9:25], c.InstanceID[:])
	binary.LittleEndian.PutUint64(buf[25:33], math.Float64bits(c.RecordGrowFactor))
	binary.LittleEndian.PutUint64(buf[33:41], math.Float64bits(c.RecordOverflowGrowFactor))
	buf[41] = byte(c.Status)

	offset := fixedHeaderSize
	for _, s := range strs {
		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(s)))
		offset += 2
		copy(buf[offset:], s)
		offset += len(s)
	}
	return buf
}

// Decode deserializes a descriptor previously produced by Encode.
func Decode(data []byte) (*Config, error) {
	if len(data) < fixedHeaderSize {
		return nil, fmt.Errorf("clustercfg: data too short for header")
	}
	if string(data[0:4]) != configMagic {
		return nil, fmt.Errorf("clustercfg: bad magic")
	}
	if data[4] != configVersion {
		return nil, fmt.Errorf("clustercfg: unsupported version %d", data[4])
	}

	c := &Config{}
	c.ID = int(int32(binary.LittleEndian.Uint32(data[5:9])))
	copy(c.InstanceID[:], data[9:25])
	c.RecordGrowFactor = math.Float64frombits(binary.LittleEndian.Uint64(data[25:33]))
	c.RecordOverflowGrowFactor = math.Float64frombits(binary.LittleEndian.Uint64(data[33:41]))
	c.Status = Status(data[41])

	offset := fixedHeaderSize
	readStr := func() ([]byte, error) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("clustercfg: truncated length prefix")
		}
		n := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
		if offset+n > len(data) {
			return nil, fmt.Errorf("clustercfg: truncated field")
		}
		v := data[offset : offset+n]
		offset += n
		return v, nil
	}

	name, err := readStr()
	if err != nil {
		return nil, err
	}
	c.Name = string(name)

	compression, err := readStr()
	if err != nil {
		return nil, err
	}
	c.Compression = string(compression)

	encryption, err := readStr()
	if err != nil {
		return nil, err
	}
	c.Encryption = string(encryption)

	key, err := readStr()
	if err != nil {
		return nil, err
	}
	if len(key) > 0 {
		c.EncryptionKey = append([]byte(nil), key...)
	}

	strategy, err := readStr()
	if err != nil {
		return nil, err
	}
	c.ConflictStrategy = string(strategy)

	return c, nil
}
