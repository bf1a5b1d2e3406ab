package adapter

import (
	"github.com/bootjp/isokv/kv"
	"github.com/tidwall/redcon"
)

type resultType int

const (
	resultNil resultType = iota
	resultBulk
	resultString
	resultArray
	resultInt
)

type redisResult struct {
	typ     resultType
	bulk    []byte
	str     string
	arr     [][]byte
	integer int64
}

func writeResult(conn redcon.Conn, res redisResult) {
	switch res.typ {
	case resultNil:
		conn.WriteNull()
	case resultBulk:
		conn.WriteBulk(res.bulk)
	case resultString:
		conn.WriteString(res.str)
	case resultArray:
		conn.WriteArray(len(res.arr))
		for _, b := range res.arr {
			conn.WriteBulk(b)
		}
	case resultInt:
		conn.WriteInt64(res.integer)
	}
}

// writeErr prefixes isolation conflicts with CONFLICT so clients can tell
// retryable failures apart.
func writeErr(conn redcon.Conn, err error) {
	if te, ok := kv.AsTransactionError(err); ok {
		if kv.IsConflict(err) {
			conn.WriteError("CONFLICT " + te.Message)
			return
		}
		conn.WriteError("ERR " + te.Message)
		return
	}
	conn.WriteError("ERR " + err.Error())
}
