package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/84hero/safe-indexer/pkg/chain"
	"github.com/84hero/safe-indexer/pkg/config"
	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/indexer"
	"github.com/84hero/safe-indexer/pkg/lock"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/registry"
	"github.com/84hero/safe-indexer/pkg/rpc"
	"github.com/84hero/safe-indexer/pkg/sink"
	"github.com/84hero/safe-indexer/pkg/storage"
)

// stores bundles the persistence backends selected by storage.driver.
type stores struct {
	cursors storage.Persistence
	records records.Store
	locker  lock.Locker
	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.StorageConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rdb, nil
}

// openStores wires cursors, records and locks. Cursors follow the driver,
// records live in Postgres whenever a URL is configured and locks in Redis
// whenever an address is configured.
func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	s := &stores{}
	fail := func(err error) (*stores, error) {
		s.Close()
		return nil, err
	}

	var db *sql.DB
	if cfg.PostgresURL != "" {
		var err error
		if db, err = openPostgres(ctx, cfg.PostgresURL); err != nil {
			return fail(err)
		}
		s.closers = append(s.closers, db.Close)
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		if rdb, err = openRedis(ctx, cfg); err != nil {
			return fail(err)
		}
		s.closers = append(s.closers, rdb.Close)
	}

	switch cfg.Driver {
	case config.DriverMemory:
		s.cursors = storage.NewMemoryStore(cfg.Prefix)
	case config.DriverPostgres:
		ps, err := storage.NewPostgresStoreWithDB(ctx, db, cfg.Prefix)
		if err != nil {
			return fail(err)
		}
		s.cursors = ps
	case config.DriverRedis:
		s.cursors = storage.NewRedisStoreWithClient(rdb, cfg.Prefix)
	default:
		return fail(fmt.Errorf("unknown storage driver %q", cfg.Driver))
	}

	if db != nil {
		rs, err := records.NewPostgresStoreWithDB(ctx, db, cfg.Prefix)
		if err != nil {
			return fail(err)
		}
		s.records = rs
	} else {
		if cfg.Driver != config.DriverMemory {
			log.Warn("No postgres_url configured, block refs and records are kept in memory")
		}
		s.records = records.NewMemoryStore()
	}

	if rdb != nil {
		s.locker = lock.NewRedisLocker(rdb, cfg.Prefix+"locks:")
	} else {
		s.locker = lock.NewMemoryLocker()
	}
	return s, nil
}

// decoders are shared by all streams; both are safe for concurrent use.
type decoders struct {
	safe *decoder.Decoder
	tx   *decoder.Decoder
}

func newDecoders() (*decoders, error) {
	safeReg, err := registry.NewSafe()
	if err != nil {
		return nil, err
	}
	extReg, err := registry.NewExtended()
	if err != nil {
		return nil, err
	}
	return &decoders{
		safe: decoder.NewSafeDecoder(safeReg),
		tx:   decoder.NewTxDecoder(extReg),
	}, nil
}

func newExtractor(sc config.StreamConfig, client rpc.ChainClient, dec *decoders) (indexer.Extractor, error) {
	addrs := sc.ParsedAddresses()
	switch sc.Kind {
	case indexer.KindInternalTxs:
		return indexer.NewInternalTxExtractor(dec.tx, addrs...), nil
	case indexer.KindERC20Transfers:
		ext, err := indexer.NewTransferExtractor(addrs...)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.ID, err)
		}
		return ext, nil
	case indexer.KindSafeTxs:
		return indexer.NewSafeTxExtractor(client, dec.safe, dec.tx, addrs...), nil
	default:
		return nil, fmt.Errorf("stream %s: unknown kind %q", sc.ID, sc.Kind)
	}
}

func buildIndexers(cfg *config.Config, client rpc.ChainClient, st *stores, pub indexer.Publisher) ([]*indexer.Indexer, error) {
	dec, err := newDecoders()
	if err != nil {
		return nil, err
	}

	var traces bool
	if p, ok := chain.Get(cfg.Indexer.Chain); ok {
		traces = p.Traces
	}

	limits := cfg.IndexerLimits()
	out := make([]*indexer.Indexer, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		ext, err := newExtractor(sc, client, dec)
		if err != nil {
			return nil, err
		}
		if ext.Needs().Traces && cfg.Indexer.Chain != "" && !traces {
			log.Warn("Stream needs trace_block, make sure the nodes expose the trace namespace", "stream", sc.ID, "chain", cfg.Indexer.Chain)
		}
		ix := indexer.New(indexer.Stream{
			ID:            sc.ID,
			Extractor:     ext,
			Confirmations: sc.Confirmations,
			StartBlock:    sc.StartBlock,
		}, client, st.cursors, st.records, st.locker, limits)
		if pub != nil {
			ix.SetPublisher(pub)
		}
		out = append(out, ix)
	}
	return out, nil
}

// buildOutputs opens every configured output. A misconfigured output is an
// error; silently dropping events would be worse.
func buildOutputs(ctx context.Context, cfg config.OutputsConfig) ([]sink.Output, error) {
	var outputs []sink.Output
	fail := func(name string, err error) ([]sink.Output, error) {
		for _, o := range outputs {
			o.Close()
		}
		return nil, fmt.Errorf("output %s: %w", name, err)
	}

	if cfg.Webhook != nil {
		if cfg.Webhook.Client.URL == "" {
			return fail("webhook", errors.New("url is required"))
		}
		outputs = append(outputs, sink.NewWebhookOutput(*cfg.Webhook))
	}
	if cfg.File != nil {
		fo, err := sink.NewFileOutput(cfg.File.Path)
		if err != nil {
			return fail("file", err)
		}
		outputs = append(outputs, fo)
	}
	if cfg.Console != nil {
		outputs = append(outputs, sink.NewConsoleOutput(cfg.Console.Pretty))
	}
	if cfg.Redis != nil {
		ro, err := sink.NewRedisOutput(ctx, *cfg.Redis)
		if err != nil {
			return fail("redis", err)
		}
		outputs = append(outputs, ro)
	}
	if cfg.Kafka != nil {
		ko, err := sink.NewKafkaOutput(*cfg.Kafka)
		if err != nil {
			return fail("kafka", err)
		}
		outputs = append(outputs, ko)
	}
	if cfg.RabbitMQ != nil {
		ro, err := sink.NewRabbitMQOutput(*cfg.RabbitMQ)
		if err != nil {
			return fail("rabbitmq", err)
		}
		outputs = append(outputs, ro)
	}
	return outputs, nil
}
