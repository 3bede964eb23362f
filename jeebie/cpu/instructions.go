package cpu

import "github.com/halvorsen/dmg-go/jeebie/bit"

func (c *CPU) pushStack(r uint16) {
	c.sp--
	c.bus.Write(c.sp, bit.Low(r))
	c.sp--
	c.bus.Write(c.sp, bit.High(r))
}

func (c *CPU) popStack() uint16 {
	high := c.bus.Read(c.sp)
	c.sp++
	low := c.bus.Read(c.sp)
	c.sp++

	return bit.Combine(high, low)
}

func (c *CPU) inc(r *uint8) {
	*r++
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0)
	c.resetFlag(subFlag)
}

func (c *CPU) dec(r *uint8) {
	*r--
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0xF)
	c.setFlag(subFlag)
}

func (c *CPU) rlc(r *uint8) {
	value := *r

	c.setFlagToCondition(carryFlag, value > 0x7F)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value << 1) | (value >> 7)
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) rl(r *uint8) {
	value := *r
	carry := c.flagToBit(carryFlag)

	c.setFlagToCondition(carryFlag, value > 0x7F)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value << 1) | carry
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) rrc(r *uint8) {
	value := *r

	c.setFlagToCondition(carryFlag, value&1 == 1)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value >> 1) | ((value & 1) << 7)
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) rr(r *uint8) {
	value := *r
	carry := c.flagToBit(carryFlag) << 7

	c.setFlagToCondition(carryFlag, value&1 == 1)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value >> 1) | carry
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
}

// rlca, rla, rrca and rra are the unprefixed accumulator-only rotates. They
// share their bit-twiddling with the CB-prefixed register forms above but,
// unlike them, always clear the zero flag regardless of the result.
func (c *CPU) rlca() {
	c.rlc(&c.a)
	c.resetFlag(zeroFlag)
}

func (c *CPU) rla() {
	c.rl(&c.a)
	c.resetFlag(zeroFlag)
}

func (c *CPU) rrca() {
	c.rrc(&c.a)
	c.resetFlag(zeroFlag)
}

func (c *CPU) rra() {
	c.rr(&c.a)
	c.resetFlag(zeroFlag)
}

// sla shifts a register left into the carry flag, filling bit 0 with 0.
func (c *CPU) sla(r *uint8) {
	value := *r
	c.setFlagToCondition(carryFlag, value > 0x7F)

	value <<= 1
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

// sra shifts a register right into the carry flag, preserving bit 7.
func (c *CPU) sra(r *uint8) {
	value := *r
	msb := value & 0x80
	c.setFlagToCondition(carryFlag, value&1 == 1)

	value = (value >> 1) | msb
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

// srl shifts a register right into the carry flag, filling bit 7 with 0.
func (c *CPU) srl(r *uint8) {
	value := *r
	c.setFlagToCondition(carryFlag, value&1 == 1)

	value >>= 1
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
}

// swap exchanges the low and high nibbles of a register.
func (c *CPU) swap(r *uint8) {
	value := *r
	value = (value << 4) | (value >> 4)
	*r = value

	c.setFlagToCondition(zeroFlag, value == 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

// bit tests bit idx of value and sets the zero flag accordingly.
func (c *CPU) bit(idx uint8, value uint8) {
	set := value&(1<<idx) != 0
	c.setFlagToCondition(zeroFlag, !set)
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
}

// set sets bit idx of the given register.
func (c *CPU) set(idx uint8, r *uint8) {
	*r |= 1 << idx
}

// res resets bit idx of the given register.
func (c *CPU) res(idx uint8, r *uint8) {
	*r &^= 1 << idx
}

// addToA sets the result of adding an 8 bit register to A, while setting all relevant flags.
func (c *CPU) addToA(value uint8) {
	a := c.a
	result := a + value

	carry := (uint16(a) + uint16(value)) > 0xFF
	halfCarry := (a&0xF)+(value&0xF) > 0xF

	c.setFlagToCondition(zeroFlag, result == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.a = result
}

// adc adds value and the carry flag to A, setting all relevant flags.
func (c *CPU) adc(value uint8) {
	a := c.a
	carry := c.flagToBit(carryFlag)

	result := uint16(a) + uint16(value) + uint16(carry)
	halfCarry := (a&0xF)+(value&0xF)+carry > 0xF

	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, result > 0xFF)
	c.setFlagToCondition(halfCarryFlag, halfCarry)
}

// addToHL sets the result of adding a 16 bit register to HL, while setting relevant flags.
func (c *CPU) addToHL(reg uint16) {
	hl := bit.Combine(c.h, c.l)
	result := hl + reg

	carry := (uint32(hl) + uint32(reg)) > 0xFFFF
	halfCarry := (hl&0xFFF)+(reg&0xFFF) > 0xFFF

	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.h = bit.High(result)
	c.l = bit.Low(result)
}

// sub will subtract the value from register A and set all relevant flags.
func (c *CPU) sub(value uint8) {
	a := c.a
	c.a = a - value

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, a < value)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF) < 0)
}

// sbc will subtract the value and carry (1 if set, 0 otherwise) from the register A.
func (c *CPU) sbc(value uint8) {
	a := c.a
	carry := 0
	if c.isSetFlag(carryFlag) {
		carry = 1
	}

	result := int(c.a) - int(value) - carry
	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, result < 0)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF)-carry < 0)
}

// cp compares value against A by performing a subtraction and discarding the
// result, setting flags as sub would.
func (c *CPU) cp(value uint8) {
	a := c.a
	c.sub(value)
	c.a = a
}

func (c *CPU) and(value uint8) {
	c.a &= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

func (c *CPU) or(value uint8) {
	c.a |= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) xor(value uint8) {
	c.a ^= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

// daa adjusts A to its binary coded decimal representation after an ADD/SUB.
func (c *CPU) daa() {
	a := uint16(c.a)

	if !c.isSetFlag(subFlag) {
		if c.isSetFlag(halfCarryFlag) || a&0xF > 9 {
			a += 0x06
		}
		if c.isSetFlag(carryFlag) || a > 0x9F {
			a += 0x60
			c.setFlag(carryFlag)
		}
	} else {
		if c.isSetFlag(halfCarryFlag) {
			a = (a - 0x06) & 0xFF
		}
		if c.isSetFlag(carryFlag) {
			a -= 0x60
		}
	}

	c.resetFlag(halfCarryFlag)
	c.a = uint8(a)
	c.setFlagToCondition(zeroFlag, c.a == 0)
}

// rst pushes the current PC and jumps to the given reset vector.
func (c *CPU) rst(vector uint16) {
	c.pushStack(c.pc)
	c.pc = vector
}

// jr performs a relative jump using the signed immediate byte at PC.
func (c *CPU) jr() {
	offset := c.readSignedImmediate()
	c.pc = uint16(int32(c.pc) + int32(offset))
}

// jp performs an absolute jump using the immediate word at PC.
func (c *CPU) jp() {
	c.pc = c.readImmediateWord()
}
