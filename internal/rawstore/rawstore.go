// Package rawstore archives the raw readings behind each consolidated
// segment in LevelDB, addressed by the BLAKE3 hash of their canonical
// encoding. The address is what a segment carries into its Merkle leaf.
package rawstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/ukydev/fleet-integrity/internal/codec"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/zeebo/blake3"
)

var (
	ErrNotFound = errors.New("rawstore: archive not found")
	ErrCorrupt  = errors.New("rawstore: archive does not match its address")
)

const keyPrefix = "raw:"

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("rawstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rawstore: zstd decoder initialization failed: " + err.Error())
	}
}

// record is the archived form of a reading. Timestamps are UTC unix nanos.
type record struct {
	_         struct{} `cbor:",toarray"`
	ID        string
	VehicleID string
	DeviceID  string
	Mileage   float64
	Timestamp int64
	Source    string
}

// Store is a LevelDB-backed archive.
type Store struct {
	conn *leveldb.DB
}

// Open opens (or creates) an archive at path.
func Open(path string) (*Store, error) {
	conn, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open raw archive: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Encode returns the canonical encoding of readings and its address.
func Encode(readings []models.TelemetryReading) ([]byte, string, error) {
	records := make([]record, len(readings))
	for i, r := range readings {
		records[i] = record{
			ID:        r.ID,
			VehicleID: r.VehicleID,
			DeviceID:  r.DeviceID,
			Mileage:   r.Mileage,
			Timestamp: r.Timestamp.UTC().UnixNano(),
			Source:    r.Source,
		}
	}
	data, err := codec.Marshal(records)
	if err != nil {
		return nil, "", fmt.Errorf("encode readings: %w", err)
	}
	sum := blake3.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Put archives readings and returns their content address. Storing the same
// readings twice is a no-op.
func (s *Store) Put(readings []models.TelemetryReading) (string, error) {
	data, address, err := Encode(readings)
	if err != nil {
		return "", err
	}
	key := []byte(keyPrefix + address)
	ok, err := s.conn.Has(key, nil)
	if err != nil {
		return "", err
	}
	if ok {
		return address, nil
	}
	if err := s.conn.Put(key, zstdEncoder.EncodeAll(data, nil), nil); err != nil {
		return "", fmt.Errorf("put raw archive: %w", err)
	}
	return address, nil
}

// Get loads the readings stored under address and checks them against it.
func (s *Store) Get(address string) ([]models.TelemetryReading, error) {
	compressed, err := s.conn.Get([]byte(keyPrefix+address), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != address {
		return nil, ErrCorrupt
	}

	var records []record
	if err := codec.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}
	readings := make([]models.TelemetryReading, len(records))
	for i, r := range records {
		readings[i] = models.TelemetryReading{
			ID:        r.ID,
			VehicleID: r.VehicleID,
			DeviceID:  r.DeviceID,
			Mileage:   r.Mileage,
			Timestamp: time.Unix(0, r.Timestamp).UTC(),
			Source:    r.Source,
		}
	}
	return readings, nil
}
