// Package stats accumulates per-session relay traffic counters and flushes
// them to ClickHouse on an interval. Purely observational; the relay works
// identically with the sink disabled.
package stats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"LanLink/internal/config"
)

const createTrafficTableStatement = `
CREATE TABLE IF NOT EXISTS relay_traffic (
    Timestamp       DateTime,
    SessionID       UInt32,
    Frames          UInt64,
    Bytes           UInt64,
    BroadcastFrames UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, Timestamp);
`

type bucket struct {
	frames    uint64
	bytes     uint64
	broadcast uint64
}

// Recorder implements relay.TrafficRecorder over an in-memory accumulator
// with a periodic ClickHouse batch flush.
type Recorder struct {
	conn     driver.Conn
	interval time.Duration

	mu      sync.Mutex
	buckets map[uint32]*bucket

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder connects to ClickHouse, ensures the traffic table exists and
// starts the flush loop.
func NewRecorder(cfg config.StatsConfig) (*Recorder, error) {
	conn, err := connect(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTrafficTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create relay_traffic table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured relay_traffic table exists.")

	r := &Recorder{
		conn:     conn,
		interval: config.Duration(cfg.FlushInterval, 30*time.Second),
		buckets:  make(map[uint32]*bucket),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Record accumulates one relayed frame. Called from the relay hot path, so
// it only touches the in-memory bucket.
func (r *Recorder) Record(sessionID uint32, frameBytes int, broadcast bool) {
	r.mu.Lock()
	b, ok := r.buckets[sessionID]
	if !ok {
		b = &bucket{}
		r.buckets[sessionID] = b
	}
	b.frames++
	b.bytes += uint64(frameBytes)
	if broadcast {
		b.broadcast++
	}
	r.mu.Unlock()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.flush(); err != nil {
				log.Printf("Stats flush failed: %v", err)
			}
		case <-r.done:
			if err := r.flush(); err != nil {
				log.Printf("Final stats flush failed: %v", err)
			}
			return
		}
	}
}

func (r *Recorder) flush() error {
	r.mu.Lock()
	buckets := r.buckets
	r.buckets = make(map[uint32]*bucket)
	r.mu.Unlock()
	if len(buckets) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(context.Background(), "INSERT INTO relay_traffic")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	now := time.Now()
	for sessionID, b := range buckets {
		if err := batch.Append(now, sessionID, b.frames, b.bytes, b.broadcast); err != nil {
			return fmt.Errorf("failed to append traffic row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Printf("Wrote traffic stats for %d sessions to ClickHouse", len(buckets))
	return nil
}

// Stop performs a final flush and releases the connection.
func (r *Recorder) Stop() {
	close(r.done)
	r.wg.Wait()
	r.conn.Close()
}
