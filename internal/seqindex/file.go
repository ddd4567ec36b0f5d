package seqindex

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nexusfix/fixgate/internal/gatewayerr"
)

// On-disk layout (spec.md §4.1, §6 on-disk files table).
//
//	sector 0:        header page  (magic, version, capacity, indexed
//	                  position, trailing CRC32 of the header payload)
//	sectors 1..N:     data sectors, each holding as many fixed-size
//	                  records as fit, zero-padded, trailing CRC32 of the
//	                  sector's record bytes.
//
// Every sector is exactly sectorSize bytes so that the file is a flat,
// seekable array of 4096-byte pages regardless of record count.
const (
	sectorSize = 4096
	crcSize    = 4

	headerMagic   = 0x53514958 // "SQIX"
	headerVersion = 1

	// recordSize is the encoded width of one slot: sessionID(8) +
	// lastReceivedSeq(8) + lastSentSeq(8) + sequenceIndex(4) + pad(4) +
	// receivedPos(8) + sentPos(8).
	recordSize = 8 + 8 + 8 + 4 + 4 + 8 + 8

	recordsPerSector = (sectorSize - crcSize) / recordSize
)

func dataSectorsFor(capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return (capacity + recordsPerSector - 1) / recordsPerSector
}

// writeTable encodes capacity slots to tempPath, fsyncs it, and
// atomically renames it over canonicalPath. tempPath is the well-known
// passing-place filename: if the process dies after fsync but before
// rename, the file left behind at tempPath *is* the passing place a
// future Open call will recover from.
func writeTable(tempPath, canonicalPath string, capacity int, slots []slot) error {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open passing place: %w", err)
	}

	var indexedPosition int64
	for i := range slots {
		if p := slots[i].receivedPos.Load(); p > indexedPosition {
			indexedPosition = p
		}
		if p := slots[i].sentPos.Load(); p > indexedPosition {
			indexedPosition = p
		}
	}

	if err := writeHeader(f, capacity, indexedPosition); err != nil {
		_ = f.Close()
		return err
	}

	nSectors := dataSectorsFor(capacity)
	for sec := 0; sec < nSectors; sec++ {
		if err := writeDataSector(f, sec, slots); err != nil {
			_ = f.Close()
			return err
		}
	}

	if err := unix.Fsync(int(f.Fd())); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync passing place: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close passing place: %w", err)
	}

	if err := os.Rename(tempPath, canonicalPath); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

func writeHeader(f *os.File, capacity int, indexedPosition int64) error {
	buf := make([]byte, sectorSize)
	binary.BigEndian.PutUint32(buf[0:4], headerMagic)
	binary.BigEndian.PutUint32(buf[4:8], headerVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(capacity))
	binary.BigEndian.PutUint64(buf[16:24], uint64(indexedPosition))

	checksum := crc32.ChecksumIEEE(buf[:sectorSize-crcSize])
	binary.BigEndian.PutUint32(buf[sectorSize-crcSize:], checksum)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write header sector: %w", err)
	}
	return nil
}

func writeDataSector(f *os.File, sectorIdx int, slots []slot) error {
	buf := make([]byte, sectorSize)

	base := sectorIdx * recordsPerSector
	for i := 0; i < recordsPerSector; i++ {
		slotIdx := base + i
		if slotIdx >= len(slots) {
			break
		}
		encodeRecord(buf[i*recordSize:(i+1)*recordSize], &slots[slotIdx])
	}

	checksum := crc32.ChecksumIEEE(buf[:sectorSize-crcSize])
	binary.BigEndian.PutUint32(buf[sectorSize-crcSize:], checksum)

	offset := int64(1+sectorIdx) * sectorSize
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write data sector %d: %w", sectorIdx, err)
	}
	return nil
}

func encodeRecord(b []byte, s *slot) {
	binary.BigEndian.PutUint64(b[0:8], s.sessionID.Load())
	binary.BigEndian.PutUint64(b[8:16], s.lastReceivedSeq.Load())
	binary.BigEndian.PutUint64(b[16:24], s.lastSentSeq.Load())
	binary.BigEndian.PutUint32(b[24:28], s.sequenceIndex.Load())
	// b[28:32] reserved/padding, left zero.
	binary.BigEndian.PutUint64(b[32:40], uint64(s.receivedPos.Load()))
	binary.BigEndian.PutUint64(b[40:48], uint64(s.sentPos.Load()))
}

func decodeRecord(b []byte) (sessionID, lastReceived, lastSent uint64, seqIdx uint32, receivedPos, sentPos int64) {
	sessionID = binary.BigEndian.Uint64(b[0:8])
	lastReceived = binary.BigEndian.Uint64(b[8:16])
	lastSent = binary.BigEndian.Uint64(b[16:24])
	seqIdx = binary.BigEndian.Uint32(b[24:28])
	receivedPos = int64(binary.BigEndian.Uint64(b[32:40]))
	sentPos = int64(binary.BigEndian.Uint64(b[40:48]))
	return
}

// readTable reads and validates every sector of path, returning the
// decoded capacity and slots. Any checksum mismatch is reported as a
// non-nil error so the caller can fall back to the other candidate.
func readTable(path string) (capacity int, slots []slot, indexedPosition int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, 0, err
	}
	defer f.Close()

	header := make([]byte, sectorSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return 0, nil, 0, fmt.Errorf("read header sector: %w", err)
	}
	if err := verifySector(header); err != nil {
		return 0, nil, 0, fmt.Errorf("header checksum: %w", err)
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != headerMagic {
		return 0, nil, 0, fmt.Errorf("bad magic %#x", magic)
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != headerVersion {
		return 0, nil, 0, fmt.Errorf("unsupported version %d", version)
	}
	capacity = int(binary.BigEndian.Uint32(header[8:12]))
	indexedPosition = int64(binary.BigEndian.Uint64(header[16:24]))

	slots = make([]slot, capacity)
	nSectors := dataSectorsFor(capacity)
	sector := make([]byte, sectorSize)
	for sec := 0; sec < nSectors; sec++ {
		offset := int64(1+sec) * sectorSize
		if _, err := f.ReadAt(sector, offset); err != nil {
			return 0, nil, 0, fmt.Errorf("read data sector %d: %w", sec, err)
		}
		if err := verifySector(sector); err != nil {
			return 0, nil, 0, fmt.Errorf("data sector %d checksum: %w", sec, err)
		}

		base := sec * recordsPerSector
		for i := 0; i < recordsPerSector; i++ {
			slotIdx := base + i
			if slotIdx >= capacity {
				break
			}
			sid, lastRecv, lastSent, seqIdx, recvPos, sentPos := decodeRecord(sector[i*recordSize : (i+1)*recordSize])
			s := &slots[slotIdx]
			s.sessionID.Store(sid)
			s.lastReceivedSeq.Store(lastRecv)
			s.lastSentSeq.Store(lastSent)
			s.sequenceIndex.Store(seqIdx)
			s.receivedPos.Store(recvPos)
			s.sentPos.Store(sentPos)
		}
	}
	return capacity, slots, indexedPosition, nil
}

func verifySector(sector []byte) error {
	want := binary.BigEndian.Uint32(sector[sectorSize-crcSize:])
	got := crc32.ChecksumIEEE(sector[:sectorSize-crcSize])
	if want != got {
		return fmt.Errorf("crc mismatch: stored %#x computed %#x", want, got)
	}
	return nil
}

// loadWithRecovery implements the startup side of spec.md §4.1 step 4
// and the Open Question resolution recorded in DESIGN.md: read both the
// canonical file and the passing place independently, and prefer
// whichever validates and has the higher indexedPosition. If neither
// file exists, a fresh empty table of defaultCapacity is returned. If
// both exist but neither validates, startup fails with
// FILE_SYSTEM_CORRUPTION.
func loadWithRecovery(canonicalPath, passingPlace string, defaultCapacity int) (int, []slot, error) {
	canCap, canSlots, canPos, canErr := readTable(canonicalPath)
	ppCap, ppSlots, ppPos, ppErr := readTable(passingPlace)

	canOK := canErr == nil
	ppOK := ppErr == nil

	switch {
	case canOK && ppOK:
		if ppPos > canPos {
			return ppCap, ppSlots, nil
		}
		return canCap, canSlots, nil
	case canOK:
		return canCap, canSlots, nil
	case ppOK:
		return ppCap, ppSlots, nil
	}

	if os.IsNotExist(canErr) && os.IsNotExist(ppErr) {
		return defaultCapacity, make([]slot, defaultCapacity), nil
	}

	return 0, nil, gatewayerr.Wrapf(gatewayerr.CodeFileSystemCorruption,
		"seqindex: neither canonical (%v) nor passing place (%v) validated", canErr, ppErr)
}
