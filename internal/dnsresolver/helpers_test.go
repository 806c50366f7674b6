package dnsresolver

import (
	"time"

	"github.com/cordx56/xrypton-go/internal/cache"
	"github.com/cordx56/xrypton-go/internal/cache/memory"
)

func newTestCache() cache.Cache {
	return memory.New(time.Hour, 0)
}
