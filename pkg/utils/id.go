package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

// idSeq breaks ties when multiple ids are generated in the same nanosecond.
var idSeq uint64

// GenID returns a new opaque message id.
func GenID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}

// GenConversationID returns a new opaque conversation id.
func GenConversationID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("conv-%d-%d", n, s)
}
