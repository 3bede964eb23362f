package cpu

import "github.com/halvorsen/dmg-go/jeebie/bit"

func (c *CPU) getBC() uint16 {
	return bit.Combine(c.b, c.c)
}

func (c *CPU) setBC(value uint16) {
	c.b = bit.High(value)
	c.c = bit.Low(value)
}

func (c *CPU) getDE() uint16 {
	return bit.Combine(c.d, c.e)
}

func (c *CPU) setDE(value uint16) {
	c.d = bit.High(value)
	c.e = bit.Low(value)
}

func (c *CPU) getHL() uint16 {
	return bit.Combine(c.h, c.l)
}

func (c *CPU) setHL(value uint16) {
	c.h = bit.High(value)
	c.l = bit.Low(value)
}

func (c *CPU) getAF() uint16 {
	return bit.Combine(c.a, c.f)
}

func (c *CPU) setAF(value uint16) {
	c.a = bit.High(value)
	c.f = bit.Low(value) & 0xF0
}

// readImmediate reads the byte at PC and advances PC past it.
func (c *CPU) readImmediate() uint8 {
	value := c.bus.Read(c.pc)
	c.pc++
	return value
}

// readSignedImmediate reads the byte at PC as a two's complement value and
// advances PC past it.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// readImmediateWord reads the little-endian word at PC and advances PC past it.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return bit.Combine(high, low)
}
