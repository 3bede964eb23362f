package memory

import "github.com/halvorsen/dmg-go/jeebie/util"

const titleLength = 11

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	manufacturerCodeAddress = 0x13F
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
)

// mbcKind identifies which memory bank controller a cartridge header asks for.
type mbcKind uint8

const (
	NoMBCType mbcKind = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// ramBankSizes maps the cartridge header's RAM size byte (0x149) to the
// number of 8KB RAM banks present.
var ramBankSizes = map[uint8]uint8{
	0x00: 0,
	0x01: 1, // 2KB, unofficial, treated as a single partial bank
	0x02: 1,
	0x03: 4,
	0x04: 16,
	0x05: 8,
}

// cartTypeInfo describes the MBC and peripherals a cartridge type byte (0x147) implies.
type cartTypeInfo struct {
	kind       mbcKind
	hasRAM     bool
	hasBattery bool
	hasRTC     bool
	hasRumble  bool
}

var cartTypes = map[uint8]cartTypeInfo{
	0x00: {kind: NoMBCType},
	0x01: {kind: MBC1Type},
	0x02: {kind: MBC1Type, hasRAM: true},
	0x03: {kind: MBC1Type, hasRAM: true, hasBattery: true},
	0x05: {kind: MBC2Type},
	0x06: {kind: MBC2Type, hasBattery: true},
	0x0F: {kind: MBC3Type, hasRTC: true, hasBattery: true},
	0x10: {kind: MBC3Type, hasRAM: true, hasRTC: true, hasBattery: true},
	0x11: {kind: MBC3Type},
	0x12: {kind: MBC3Type, hasRAM: true},
	0x13: {kind: MBC3Type, hasRAM: true, hasBattery: true},
	0x19: {kind: MBC5Type},
	0x1A: {kind: MBC5Type, hasRAM: true},
	0x1B: {kind: MBC5Type, hasRAM: true, hasBattery: true},
	0x1C: {kind: MBC5Type, hasRumble: true},
	0x1D: {kind: MBC5Type, hasRumble: true, hasRAM: true},
	0x1E: {kind: MBC5Type, hasRumble: true, hasRAM: true, hasBattery: true},
}

type Cartridge struct {
	data           []byte
	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      mbcKind
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	ramBankCount uint8
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:    make([]byte, 0x10000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData initializes a new Cartridge from a slice of bytes.
func NewCartridgeWithData(bytes []byte) *Cartridge {
	titleBytes := bytes[titleAddress : titleAddress+titleLength]

	cart := &Cartridge{
		data:           make([]byte, len(bytes)),
		title:          cleanGameboyTitle(titleBytes),
		headerChecksum: util.CombineBytes(bytes[headerChecksumAddress+1], bytes[headerChecksumAddress]),
		globalChecksum: util.CombineBytes(bytes[globalChecksumAddress+1], bytes[globalChecksumAddress]),
		version:        bytes[versionNumberAddress],
		cartType:       bytes[cartridgeTypeAddress],
		romSize:        bytes[romSizeAddress],
		ramSize:        bytes[ramSizeAddress],
	}

	copy(cart.data, bytes)

	info, ok := cartTypes[cart.cartType]
	if !ok {
		cart.mbcType = MBCUnknownType
		return cart
	}

	cart.mbcType = info.kind
	cart.hasBattery = info.hasBattery
	cart.hasRTC = info.hasRTC
	cart.hasRumble = info.hasRumble

	switch {
	case info.kind == MBC2Type:
		// MBC2 has built-in RAM, not bank-selected external RAM.
		cart.ramBankCount = 0
	case info.hasRAM:
		cart.ramBankCount = ramBankSizes[cart.ramSize]
	}

	return cart
}

// ReadByte reads a byte at the specified address. Does not check bounds, so the caller must make sure the
// address is valid for the cartridge.
func (c Cartridge) ReadByte(addr uint16) uint8 {
	return c.data[addr]
}

// WriteByte ignores the write and returns the byte currently stored at the specified address; the
// cartridge data is never modified through it.
func (c Cartridge) WriteByte(addr uint16, value uint8) uint8 {
	return c.data[addr]
}
