package database

import (
	"errors"
	"time"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained"
)

var (
	ErrClientIDEmpty = errors.New("client_id is empty")
	ErrTopicEmpty    = errors.New("topic is empty")
)

// Options 持久层参数，零值使用默认值
type Options struct {
	OperationTimeout time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}
