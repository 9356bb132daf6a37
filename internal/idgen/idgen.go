package idgen

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// BillNumber builds a human-readable bill number. Numbers look sequential
// within a day but are not guaranteed to be: the suffix is random.
func BillNumber(at time.Time) string {
	const digits = "0123456789"
	var b strings.Builder
	for i := 0; i < 6; i++ {
		b.WriteByte(digits[rand.Intn(len(digits))])
	}
	return fmt.Sprintf("MLB-%s-%s", at.UTC().Format("20060102"), b.String())
}
