package modbus

// 本文件提供了从站数据模型,并且是线程安全的

import (
	"fmt"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// addressSpaceMax number of addresses a 16 bit address can reach
const addressSpaceMax = 0x10000

// addressSpace one (start,count) window of the data model.
type addressSpace struct {
	start, count int
}

// offset validates [address, address+quantity) and returns its offset
// in the backing buffer.
func (s addressSpace) offset(address, quantity int) (int, error) {
	if address < s.start || address+quantity > s.start+s.count {
		return 0, exception(ExceptionCodeIllegalDataAddress)
	}
	return address - s.start, nil
}

// bitTable is one bit address space, one byte per cell holding 0 or 1.
type bitTable struct {
	addressSpace
	mu    sync.RWMutex
	cells []byte
}

func (t *bitTable) read(address, quantity uint16) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start, err := t.offset(int(address), int(quantity))
	if err != nil {
		return nil, err
	}
	result := make([]byte, quantity)
	copy(result, t.cells[start:])
	return result, nil
}

func (t *bitTable) write(address uint16, values []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, err := t.offset(int(address), len(values))
	if err != nil {
		return err
	}
	for i, v := range values {
		if v != 0 {
			v = 1
		}
		t.cells[start+i] = v
	}
	return nil
}

// registerTable is one 16 bit register address space.
type registerTable struct {
	addressSpace
	mu    sync.RWMutex
	cells []uint16
}

func (t *registerTable) read(address, quantity uint16) ([]uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start, err := t.offset(int(address), int(quantity))
	if err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, t.cells[start:])
	return result, nil
}

func (t *registerTable) write(address uint16, values []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, err := t.offset(int(address), len(values))
	if err != nil {
		return err
	}
	copy(t.cells[start:], values)
	return nil
}

// Mapping holds the four address spaces a slave answers from. Each space
// is fixed in size at construction and locked on its own.
type Mapping struct {
	bits           bitTable
	inputBits      bitTable
	registers      registerTable
	inputRegisters registerTable
}

// NewMapping allocates a mapping whose spaces all start at address 0.
func NewMapping(nbBits, nbInputBits, nbRegisters, nbInputRegisters int) (*Mapping, error) {
	return NewMappingStartAddress(0, nbBits, 0, nbInputBits, 0, nbRegisters, 0, nbInputRegisters)
}

// NewMappingStartAddress allocates a mapping with an explicit start
// address per space, for sparse or offset address maps.
func NewMappingStartAddress(
	startBits, nbBits,
	startInputBits, nbInputBits,
	startRegisters, nbRegisters,
	startInputRegisters, nbInputRegisters int) (*Mapping, error) {
	spaces := [...]struct {
		name         string
		start, count int
	}{
		{"bits", startBits, nbBits},
		{"input bits", startInputBits, nbInputBits},
		{"registers", startRegisters, nbRegisters},
		{"input registers", startInputRegisters, nbInputRegisters},
	}
	for _, s := range spaces {
		if s.start < 0 || s.count < 0 || s.start+s.count > addressSpaceMax {
			return nil, fmt.Errorf("modbus: mapping %s start '%v' count '%v' exceed address space",
				s.name, s.start, s.count)
		}
	}

	m := &Mapping{}
	m.bits.addressSpace = addressSpace{startBits, nbBits}
	m.bits.cells = make([]byte, nbBits)
	m.inputBits.addressSpace = addressSpace{startInputBits, nbInputBits}
	m.inputBits.cells = make([]byte, nbInputBits)
	m.registers.addressSpace = addressSpace{startRegisters, nbRegisters}
	m.registers.cells = make([]uint16, nbRegisters)
	m.inputRegisters.addressSpace = addressSpace{startInputRegisters, nbInputRegisters}
	m.inputRegisters.cells = make([]uint16, nbInputRegisters)
	return m, nil
}

// BitsParam coil起始地址与数量
func (sf *Mapping) BitsParam() (start, count int) {
	return sf.bits.start, sf.bits.count
}

// InputBitsParam discrete起始地址与数量
func (sf *Mapping) InputBitsParam() (start, count int) {
	return sf.inputBits.start, sf.inputBits.count
}

// RegistersParam holding起始地址与数量
func (sf *Mapping) RegistersParam() (start, count int) {
	return sf.registers.start, sf.registers.count
}

// InputRegistersParam input起始地址与数量
func (sf *Mapping) InputRegistersParam() (start, count int) {
	return sf.inputRegisters.start, sf.inputRegisters.count
}

// ReadBits 读线圈, one byte per coil holding 0 or 1
func (sf *Mapping) ReadBits(address, quantity uint16) ([]byte, error) {
	return sf.bits.read(address, quantity)
}

// WriteBits 写线圈, any non zero value sets the coil
func (sf *Mapping) WriteBits(address uint16, values []byte) error {
	return sf.bits.write(address, values)
}

// ReadInputBits 读离散量
func (sf *Mapping) ReadInputBits(address, quantity uint16) ([]byte, error) {
	return sf.inputBits.read(address, quantity)
}

// WriteInputBits 写离散量, used by the application to publish inputs
func (sf *Mapping) WriteInputBits(address uint16, values []byte) error {
	return sf.inputBits.write(address, values)
}

// ReadRegisters 读保持寄存器
func (sf *Mapping) ReadRegisters(address, quantity uint16) ([]uint16, error) {
	return sf.registers.read(address, quantity)
}

// WriteRegisters 写保持寄存器
func (sf *Mapping) WriteRegisters(address uint16, values []uint16) error {
	return sf.registers.write(address, values)
}

// ReadInputRegisters 读输入寄存器
func (sf *Mapping) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return sf.inputRegisters.read(address, quantity)
}

// WriteInputRegisters 写输入寄存器, used by the application to publish inputs
func (sf *Mapping) WriteInputRegisters(address uint16, values []uint16) error {
	return sf.inputRegisters.write(address, values)
}

// MaskWriteRegister 屏蔽写保持寄存器 (val & andMask) | (orMask & ^andMask)
func (sf *Mapping) MaskWriteRegister(address, andMask, orMask uint16) error {
	sf.registers.mu.Lock()
	defer sf.registers.mu.Unlock()
	idx, err := sf.registers.offset(int(address), 1)
	if err != nil {
		return err
	}
	sf.registers.cells[idx] = (sf.registers.cells[idx] & andMask) | (orMask & ^andMask)
	return nil
}

// WriteAndReadRegisters writes values then reads quantity holding
// registers, as one step. Both ranges are checked before the write.
func (sf *Mapping) WriteAndReadRegisters(writeAddress uint16, values []uint16,
	readAddress, quantity uint16) ([]uint16, error) {
	sf.registers.mu.Lock()
	defer sf.registers.mu.Unlock()
	wStart, err := sf.registers.offset(int(writeAddress), len(values))
	if err != nil {
		return nil, err
	}
	rStart, err := sf.registers.offset(int(readAddress), int(quantity))
	if err != nil {
		return nil, err
	}
	copy(sf.registers.cells[wStart:], values)
	result := make([]uint16, quantity)
	copy(result, sf.registers.cells[rStart:])
	return result, nil
}

// MappingSnapshot is a copy of all four spaces taken at one instant.
type MappingSnapshot struct {
	Bits           []byte
	InputBits      []byte
	Registers      []uint16
	InputRegisters []uint16
}

// Snapshot copies every space while holding all four read locks, so no
// write lands between the copies.
func (sf *Mapping) Snapshot() MappingSnapshot {
	l := multilocker.New(
		sf.bits.mu.RLocker(),
		sf.inputBits.mu.RLocker(),
		sf.registers.mu.RLocker(),
		sf.inputRegisters.mu.RLocker(),
	)
	l.Lock()
	defer l.Unlock()
	return MappingSnapshot{
		Bits:           append([]byte(nil), sf.bits.cells...),
		InputBits:      append([]byte(nil), sf.inputBits.cells...),
		Registers:      append([]uint16(nil), sf.registers.cells...),
		InputRegisters: append([]uint16(nil), sf.inputRegisters.cells...),
	}
}
