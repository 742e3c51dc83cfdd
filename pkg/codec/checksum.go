package codec

// ChecksumFamily selects how the trailing checksum byte is computed over
// opcode, length and payload.
type ChecksumFamily uint8

const (
	// ChecksumSum is the byte sum modulo 256
	ChecksumSum ChecksumFamily = iota
	// ChecksumXOR folds every byte with xor
	ChecksumXOR
	// ChecksumCRC8 is CRC-8 with polynomial 0x07 and initial value 0xFF
	ChecksumCRC8
)

const (
	crc8Poly = 0x07
	crc8Init = 0xFF
)

// Sum computes the checksum of data
func (c ChecksumFamily) Sum(data []byte) byte {
	switch c {
	case ChecksumXOR:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return x
	case ChecksumCRC8:
		crc := byte(crc8Init)
		for _, b := range data {
			crc ^= b
			for i := 0; i < 8; i++ {
				if crc&0x80 != 0 {
					crc = crc<<1 ^ crc8Poly
				} else {
					crc <<= 1
				}
			}
		}
		return crc
	default:
		var s byte
		for _, b := range data {
			s += b
		}
		return s
	}
}

func (c ChecksumFamily) String() string {
	switch c {
	case ChecksumXOR:
		return "xor"
	case ChecksumCRC8:
		return "crc8"
	default:
		return "sum"
	}
}
