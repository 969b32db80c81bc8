package efble

import (
	"fmt"
	"os"
)

// KeyTable is the vendor key material blob used by session key derivation.
// It is extracted from the manufacturer application and supplied externally;
// the core treats it as opaque and only checks that every derivation
// position it can be asked for is addressable.
type KeyTable []byte

// MinKeyTableSize is the smallest table that covers every position the seed
// bytes can address (seed[0]*0x10 + 0xFF*0x100, plus the 16 bytes read).
const MinKeyTableSize = 0xFF*0x10 + 0xFF*0x100 + 16

// LoadKeyTable reads a key table from disk and validates its length.
func LoadKeyTable(path string) (KeyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key table: %w", err)
	}
	t := KeyTable(data)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table is large enough for any derivation position.
func (t KeyTable) Validate() error {
	if len(t) < MinKeyTableSize {
		return fmt.Errorf("%w: %d bytes (need %d)", ErrKeyTableTooSmall, len(t), MinKeyTableSize)
	}
	return nil
}

func (t KeyTable) slice16(pos int) []byte {
	return t[pos : pos+16]
}
