package nfse

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"
)

// makeSecureId returns prefixText followed by a timestamp and 8 random bytes, hex encoded.
func makeSecureId(prefixText string) string {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	_, _ = io.ReadFull(rand.Reader, buf[8:])
	return prefixText + hex.EncodeToString(buf)
}
