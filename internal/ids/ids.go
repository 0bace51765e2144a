package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// Monotonic keeps IDs from the same millisecond in generation order.
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a time-sortable ULID string
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// only on entropy failure or a clock far outside the ULID range
		panic(err)
	}
	return id.String()
}

// Prefixed returns prefix + "_" + ULID, e.g. "pos_01J..."
func Prefixed(prefix string) string {
	return prefix + "_" + New()
}

// Time extracts the timestamp from an ID produced by New or Prefixed
func Time(id string) (time.Time, bool) {
	if i := len(id) - ulid.EncodedSize; i > 0 {
		id = id[i:]
	}
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
