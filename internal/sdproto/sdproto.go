/*
package sdproto holds the SPI-mode SD/MMC wire constants shared by the driver
and the simulated card: command indices, R1 status bits, data tokens and the
CRC7 used to seal command frames.
*/
package sdproto

// Command indices. The frame's first byte is CmdStart|index.
const (
	CmdGoIdleState       = 0  // CMD0
	CmdSendOpCondMMC     = 1  // CMD1
	CmdSendIfCond        = 8  // CMD8
	CmdSendCSD           = 9  // CMD9
	CmdSendCID           = 10 // CMD10
	CmdStopTransmission  = 12 // CMD12
	CmdSetBlockLen       = 16 // CMD16
	CmdReadSingleBlock   = 17 // CMD17
	CmdReadMultiBlock    = 18 // CMD18
	CmdSetWrBlkEraseCnt  = 23 // ACMD23
	CmdWriteBlock        = 24 // CMD24
	CmdWriteMultiBlock   = 25 // CMD25
	CmdEraseWrBlkStart   = 32 // CMD32
	CmdEraseWrBlkEnd     = 33 // CMD33
	CmdErase             = 38 // CMD38
	CmdSendOpCondSD      = 41 // ACMD41
	CmdAppCmd            = 55 // CMD55
	CmdReadOCR           = 58 // CMD58
	CmdStart        byte = 0x40
	CmdIndexMask    byte = 0x3f
	FrameLen             = 6
)

// R1 response bits.
const (
	R1Idle          byte = 1 << 0
	R1EraseReset    byte = 1 << 1
	R1IllegalCmd    byte = 1 << 2
	R1CRCError      byte = 1 << 3
	R1EraseSeqError byte = 1 << 4
	R1AddressError  byte = 1 << 5
	R1ParamError    byte = 1 << 6
	// R1None is the sentinel for "no response": bit 7 is never set in a valid R1.
	R1None byte = 0xff
)

// Data tokens and data response.
const (
	TokenStartBlock byte = 0xfe // CMD17/CMD18/CMD24 and register reads.
	TokenMultiWrite byte = 0xfc // CMD25 data block.
	TokenStopTran   byte = 0xfd // Ends a CMD25 stream, no payload.
	Idle            byte = 0xff

	DataResponseMask     byte = 0x1f
	DataResponseAccepted byte = 0x05
	DataResponseCRCErr   byte = 0x0b
	DataResponseWriteErr byte = 0x0d
)

const (
	// BlockSize is the only sector size this protocol binding supports.
	BlockSize = 512
	// IfCondPattern is the CMD8 argument: 2.7-3.6V window plus check pattern 0xAA.
	IfCondPattern = 0x1aa
	// OCR high capacity support/status bit, as an ACMD41 argument and in CMD58 responses.
	OCRHighCapacity = 1 << 30
	// OCR power up status bit. Cleared while the card is still busy initializing.
	OCRPowerUp = 1 << 31
)

// CRC7 computes the 7-bit command CRC over data and returns it shifted into
// the frame's last byte position with the end bit set.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (b^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			b <<= 1
		}
	}
	return (crc&0x7f)<<1 | 1
}

// PutFrame encodes a command frame into dst. CRC7 is computed only when seal
// is true, otherwise the idle placeholder is sent since CRC checking is
// disabled for every command after CMD8 in SPI mode.
func PutFrame(dst *[FrameLen]byte, index uint8, arg uint32, seal bool) {
	dst[0] = CmdStart | (index & CmdIndexMask)
	dst[1] = byte(arg >> 24)
	dst[2] = byte(arg >> 16)
	dst[3] = byte(arg >> 8)
	dst[4] = byte(arg)
	if seal {
		dst[5] = CRC7(dst[:5])
	} else {
		dst[5] = Idle
	}
}
