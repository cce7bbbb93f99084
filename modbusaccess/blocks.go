package modbusaccess

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cepro/meteragent/meter"
)

// registerLength is the number of 16-bit holding registers backing one value.
// The meters transmit IEEE 754 single precision floats, big endian.
const registerLength = 2

// maxBlockSpan is the largest contiguous span of holding registers we read in
// one request. The Modbus protocol caps a single read at 125 registers.
const maxBlockSpan = 120

// block is a contiguous span of holding registers covering one or more
// configured registers, read from the device in a single request.
type block struct {
	startAddr uint16
	numRegs   uint16
	members   []int // indexes into the caller's register slice
}

// planBlocks groups the requested registers into contiguous blocks. Registers
// are sorted by address and packed greedily while the span stays within the
// protocol limit, so sparse register maps still produce few bulk reads.
func planBlocks(regs []meter.Register) []block {
	if len(regs) == 0 {
		return nil
	}

	order := make([]int, len(regs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return regs[order[a]].Address < regs[order[b]].Address
	})

	var blocks []block
	current := block{
		startAddr: regs[order[0]].Address,
		numRegs:   registerLength,
		members:   []int{order[0]},
	}
	for _, idx := range order[1:] {
		addr := regs[idx].Address
		span := uint16(addr) + registerLength - current.startAddr
		if int(span) > maxBlockSpan {
			blocks = append(blocks, current)
			current = block{
				startAddr: addr,
				numRegs:   registerLength,
				members:   []int{idx},
			}
			continue
		}
		current.numRegs = span
		current.members = append(current.members, idx)
	}
	blocks = append(blocks, current)

	return blocks
}

// extract pulls one register's value out of the block of bytes returned by a
// bulk read.
func (b block) extract(bytes []byte, reg meter.Register) (float64, bool) {
	offset := (int(reg.Address) - int(b.startAddr)) * 2 // registers are two bytes long
	if offset < 0 || offset+registerLength*2 > len(bytes) {
		return 0, false
	}
	return floatFromBytes(bytes[offset : offset+registerLength*2]), true
}

// floatFromBytes converts 4 bytes into a float value (using big endian).
func floatFromBytes(bytes []byte) float64 {
	valUint32 := binary.BigEndian.Uint32(bytes)
	valFloat32 := math.Float32frombits(valUint32)
	return float64(valFloat32)
}
