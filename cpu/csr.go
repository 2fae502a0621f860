package cpu

// Machine-level CSR identifiers used by the core.
const (
	CSR_MSTATUS  = uint16(0x300)
	CSR_MTVEC    = uint16(0x305)
	CSR_MEPC     = uint16(0x341)
	CSR_MCAUSE   = uint16(0x342)
	CSR_MTVAL    = uint16(0x343)
	CSR_CYCLE    = uint16(0xc00)
	CSR_INSTRET  = uint16(0xc02)
	CSR_CYCLEH   = uint16(0xc80)
	CSR_INSTRETH = uint16(0xc82)
)

// Csr is the control and status register bank, indexed by 12-bit identifier.
// Unwritten registers read as zero.
type Csr struct {
	bank map[uint16]uint32
}

// Read returns the value of a CSR.
func (csr *Csr) Read(index uint16) (value uint32) {
	if csr.bank != nil {
		value = csr.bank[index]
	}

	return
}

// Write sets the value of a CSR.
func (csr *Csr) Write(index uint16, value uint32) {
	if csr.bank == nil {
		csr.bank = map[uint16]uint32{}
	}
	csr.bank[index] = value
}

// Reset clears the bank.
func (csr *Csr) Reset() {
	csr.bank = nil
}
