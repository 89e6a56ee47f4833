package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var randRead = rand.Read

var fallbackCounter atomic.Uint32

func randomUint32() uint32 {
	var b [4]byte
	if _, err := randRead(b[:]); err == nil {
		return binary.BigEndian.Uint32(b[:])
	}
	return uint32(time.Now().UnixNano()) ^ fallbackCounter.Add(1)
}

// MiniProgramOrderNumber: MP + YYYYMMDDHHMMSS + 4 位大写十六进制。
func MiniProgramOrderNumber(now time.Time) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(randomUint32()))
	return "MP" + now.Format("20060102150405") + strings.ToUpper(hex.EncodeToString(b[:]))
}

// ShopOrderNumber: SHOP + 13 位毫秒时间戳 + 1000-9999 随机数。
func ShopOrderNumber(now time.Time) string {
	return fmt.Sprintf("SHOP%013d%04d", now.UnixMilli(), 1000+randomUint32()%9000)
}

// LegacyOrderNumber: PET + YYYYMMDDHHMMSS + 3 位随机数字，共 17 位数字。
func LegacyOrderNumber(now time.Time) string {
	return fmt.Sprintf("PET%s%03d", now.Format("20060102150405"), randomUint32()%1000)
}

// FreeTransactionID 生成 0 元订单使用的合成交易号。
func FreeTransactionID(orderNumber string, now time.Time) string {
	return fmt.Sprintf("FREE_%s_%d", orderNumber, now.Unix())
}
