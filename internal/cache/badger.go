package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerBackend implements Backend on top of github.com/dgraph-io/badger/v4,
// the file:// configuration value. A bounded block cache and table size keep
// memory use predictable; compression is left off since cached values are
// small, already JSON, and reread far more often than they're written.
type BadgerBackend struct {
	db     *badger.DB
	stopGC chan struct{}
}

// badgerSlogLogger adapts badger's four-method Logger interface to slog, so
// storage diagnostics flow through the same structured logger as the rest
// of the gateway instead of badger's own stdlib-log default.
type badgerSlogLogger struct {
	log *slog.Logger
}

func (l badgerSlogLogger) Errorf(f string, args ...interface{}) { l.log.Error(fmt.Sprintf(f, args...)) }
func (l badgerSlogLogger) Warningf(f string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, args...))
}
func (l badgerSlogLogger) Infof(f string, args ...interface{})  { l.log.Info(fmt.Sprintf(f, args...)) }
func (l badgerSlogLogger) Debugf(f string, args ...interface{}) { l.log.Debug(fmt.Sprintf(f, args...)) }

// NewBadgerBackend opens (creating if necessary) a Badger store at dataDir.
// An empty dataDir defaults to an XDG-conformant cache directory.
func NewBadgerBackend(dataDir string, log *slog.Logger) (*BadgerBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if dataDir == "" {
		var err error
		dataDir, err = xdg.CacheFile("nsite-gateway/badger")
		if err != nil {
			return nil, fmt.Errorf("cache: resolving default badger dir: %w", err)
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating badger dir: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.BlockCacheSize = 256 << 20
	opts.BlockSize = 4 << 10
	opts.BaseTableSize = 64 << 20
	opts.MemTableSize = 64 << 20
	opts.ValueLogFileSize = 256 << 20
	opts.CompactL0OnClose = true
	opts.LmaxCompaction = true
	opts.Compression = options.None
	opts.Logger = badgerSlogLogger{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: opening badger at %s: %w", dataDir, err)
	}

	b := &BadgerBackend{db: db, stopGC: make(chan struct{})}
	go b.gcLoop()
	return b, nil
}

// gcLoop periodically reclaims space from expired/deleted value-log entries.
func (b *BadgerBackend) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			_ = b.db.RunValueLogGC(0.5)
		}
	}
}

func (b *BadgerBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (b *BadgerBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (b *BadgerBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Touch re-reads and re-writes the value with a fresh TTL: Badger has no
// TTL-only update, so unlike RedisBackend this falls back to a copy.
func (b *BadgerBackend) Touch(ctx context.Context, key string, ttl time.Duration) error {
	value, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	return b.Set(ctx, key, value, ttl)
}

func (b *BadgerBackend) ClearPrefix(_ context.Context, prefix string) error {
	return b.db.DropPrefix([]byte(prefix))
}

func (b *BadgerBackend) Close() error {
	close(b.stopGC)
	return b.db.Close()
}
