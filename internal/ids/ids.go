package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewNodeID returns an opaque identifier for a registered stream node.
func NewNodeID() string {
	return uuid.New().String()
}

// NewSessionID returns a session identifier of the form
// session_<unix-ms>_<9 base36 chars>.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), randBase36(9))
}

func randBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails without a platform entropy source
			out[i] = base36[uuid.New()[i%16]%36]
			continue
		}
		out[i] = base36[v.Int64()]
	}
	return string(out)
}
