package chain

import (
	"encoding/binary"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// CompileMessage serialises the signable part of a transaction:
//
//	blockhash  | u16 len + bytes
//	fee payer  | u16 len + bytes
//	ix count   | u8
//	per ix     | program (u16 len + bytes), u8 account count,
//	           | accounts (u16 len + bytes each), u16 data len + data
//
// The layout is deterministic so re-signing the same instructions against the
// same blockhash yields the same message.
func CompileMessage(tx domain.UnsignedTransaction) []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, tx.RecentBlockhash.Hash)
	buf = appendString(buf, tx.Wallet)
	buf = append(buf, byte(len(tx.Instructions)))
	for _, ins := range tx.Instructions {
		buf = appendString(buf, ins.Program)
		buf = append(buf, byte(len(ins.Accounts)))
		for _, a := range ins.Accounts {
			buf = appendString(buf, a)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ins.Data)))
		buf = append(buf, ins.Data...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
