package strtab

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Overlay is a read-only precomputed string table consulted before the
// mutable store. Its entries never die and never move, so overlay hits
// cost one open-addressed probe with no synchronization at all.
//
// Overlays are built offline with EncodeOverlay and attached either at
// construction (WithOverlay) or folded into the mutable store later
// (Table.TransferOverlayToLocal).
type Overlay struct {
	// strings are decoded once; every hit returns the same instance.
	strings []string
	// slots is an open-addressed index keyed by primaryHash. A slot
	// holds entry index + 1, zero meaning empty.
	slots []uint32
	mask  uint32
}

// Blob layout, little endian:
//
//	magic   [4]byte "STRT"
//	version uint8
//	flags   uint8 (bit 0: data section is zstd compressed)
//	entries uint32
//	slots   uint32
//	index   slots * uint32
//	dataLen uint32
//	data    dataLen bytes: per entry, uvarint length + raw bytes
const (
	overlayMagic   = "STRT"
	overlayVersion = 1

	overlayFlagZstd = 1 << 0
)

var (
	// ErrOverlayVersion reports a blob written by an incompatible
	// encoder version.
	ErrOverlayVersion = errors.New("strtab: unsupported overlay version")

	// ErrOverlayCorrupt reports a structurally invalid blob.
	ErrOverlayCorrupt = errors.New("strtab: corrupt overlay blob")
)

// Lookup returns the overlay's canonical instance of s, if present.
func (o *Overlay) Lookup(s string) (string, bool) {
	if o == nil || len(o.slots) == 0 {
		return "", false
	}
	i := uint32(primaryHash(s)) & o.mask
	for {
		v := o.slots[i]
		if v == 0 {
			return "", false
		}
		if cand := o.strings[v-1]; cand == s {
			return cand, true
		}
		i = (i + 1) & o.mask
	}
}

// Entries returns the overlay's entries in encoding order. The returned
// slice is the overlay's own; callers must not modify it.
func (o *Overlay) Entries() []string {
	if o == nil {
		return nil
	}
	return o.strings
}

// Len returns the number of entries.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	return len(o.strings)
}

// overlaySlotCount sizes the index at under 50% occupancy so probe
// sequences stay short and an empty slot always terminates a miss.
func overlaySlotCount(entries int) int {
	return 1 << max(3, ceilLog2(entries*2+1))
}

// EncodeOverlay serializes entries into an overlay blob. Duplicates are
// dropped. With compress set the data section is zstd compressed; the
// index stays raw so decoding never inflates more than the string data.
func EncodeOverlay(entries []string, compress bool) ([]byte, error) {
	// Dedupe while preserving first-seen order.
	seen := make(map[string]struct{}, len(entries))
	uniq := make([]string, 0, len(entries))
	for _, s := range entries {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}

	slotCount := overlaySlotCount(len(uniq))
	mask := uint32(slotCount - 1)
	slots := make([]uint32, slotCount)
	for idx, s := range uniq {
		i := uint32(primaryHash(s)) & mask
		for slots[i] != 0 {
			i = (i + 1) & mask
		}
		slots[i] = uint32(idx) + 1
	}

	var data []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for _, s := range uniq {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		data = append(data, lenBuf[:n]...)
		data = append(data, s...)
	}

	var flags byte
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("strtab: overlay compressor: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
		flags |= overlayFlagZstd
	}

	blob := make([]byte, 0, 14+4*slotCount+len(data))
	blob = append(blob, overlayMagic...)
	blob = append(blob, overlayVersion, flags)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(uniq)))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(slotCount))
	for _, v := range slots {
		blob = binary.LittleEndian.AppendUint32(blob, v)
	}
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(data)))
	blob = append(blob, data...)
	return blob, nil
}

// DecodeOverlay parses an overlay blob. Strings are materialized once,
// up front, so lookups after a successful decode are allocation free.
func DecodeOverlay(blob []byte) (*Overlay, error) {
	if len(blob) < 14 || string(blob[:4]) != overlayMagic {
		return nil, ErrOverlayCorrupt
	}
	if blob[4] != overlayVersion {
		return nil, fmt.Errorf("%w: %d", ErrOverlayVersion, blob[4])
	}
	flags := blob[5]
	entryCount := binary.LittleEndian.Uint32(blob[6:])
	slotCount := binary.LittleEndian.Uint32(blob[10:])
	// The index must be a power of two with at least one empty slot,
	// or miss probes would never terminate.
	if slotCount == 0 || slotCount&(slotCount-1) != 0 || entryCount >= slotCount {
		return nil, ErrOverlayCorrupt
	}
	rest := blob[14:]
	if uint64(len(rest)) < uint64(slotCount)*4+4 {
		return nil, ErrOverlayCorrupt
	}
	slots := make([]uint32, slotCount)
	for i := range slots {
		slots[i] = binary.LittleEndian.Uint32(rest[i*4:])
		if slots[i] > entryCount {
			return nil, ErrOverlayCorrupt
		}
	}
	rest = rest[slotCount*4:]
	dataLen := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(len(rest)) < uint64(dataLen) {
		return nil, ErrOverlayCorrupt
	}
	data := rest[:dataLen]

	if flags&overlayFlagZstd != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("strtab: overlay decompressor: %w", err)
		}
		data, err = dec.DecodeAll(data, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverlayCorrupt, err)
		}
	}

	strs := make([]string, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		l, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < l {
			return nil, ErrOverlayCorrupt
		}
		strs = append(strs, string(data[n:n+int(l)]))
		data = data[n+int(l):]
	}
	if len(data) != 0 {
		return nil, ErrOverlayCorrupt
	}

	ov := &Overlay{strings: strs, slots: slots, mask: slotCount - 1}
	// Cheap structural check: every referenced entry must be reachable
	// by probing from its own hash, or the index was not built by our
	// encoder.
	for _, s := range strs {
		if _, ok := ov.Lookup(s); !ok {
			return nil, ErrOverlayCorrupt
		}
	}
	return ov, nil
}
