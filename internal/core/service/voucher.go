package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	voucherPrefix   = "FS-"
	voucherAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	voucherLength   = 10
	voucherAttempts = 5
)

// CodeGenerator produces a candidate voucher code.
type CodeGenerator func() (string, error)

func randomVoucherCode() (string, error) {
	var b strings.Builder
	b.WriteString(voucherPrefix)

	limit := big.NewInt(int64(len(voucherAlphabet)))
	for i := 0; i < voucherLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("voucher entropy: %w", err)
		}
		b.WriteByte(voucherAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// fallbackVoucherCode is used once random attempts are exhausted. The purchase
// id suffix keeps it unique even for two purchases in the same nanosecond.
func fallbackVoucherCode(now time.Time, purchaseID string) string {
	suffix := strings.ReplaceAll(purchaseID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return voucherPrefix + "T" + strings.ToUpper(strconv.FormatInt(now.UnixNano(), 36)) + "-" + strings.ToUpper(suffix)
}
