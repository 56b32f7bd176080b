package whitelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const changeChannel = "dirbs_whitelist_changes"

// pollInterval bounds how long a missed notification can delay delivery.
const pollInterval = 30 * time.Second

type event struct {
	EventID   int64     `json:"event_id"`
	IMEINorm  string    `json:"imei_norm"`
	Change    string    `json:"change"`
	CreatedAt time.Time `json:"created_at"`
}

// Distributor publishes whitelist change events to the shared broker. Events
// are appended by a trigger on the historic whitelist table; the distributor
// drains the unpublished backlog and marks each event after the broker ack,
// so a crash between publish and mark re-sends rather than drops.
type Distributor struct {
	Pool   *pgxpool.Pool
	Broker *Broker
	Log    *slog.Logger

	// DrainBatch caps how many events one drain pass claims.
	DrainBatch int
}

func (d *Distributor) batch() int {
	if d.DrainBatch > 0 {
		return d.DrainBatch
	}
	return 500
}

// Process drains the unpublished backlog once and returns the number of
// events published.
func (d *Distributor) Process(ctx context.Context) (int, error) {
	published := 0
	for {
		n, err := d.drainBatch(ctx)
		published += n
		if err != nil {
			return published, err
		}
		if n < d.batch() {
			return published, nil
		}
	}
}

func (d *Distributor) drainBatch(ctx context.Context) (int, error) {
	var backlog int64
	if err := d.Pool.QueryRow(ctx,
		`SELECT count(*) FROM whitelist_events WHERE published_at IS NULL`).Scan(&backlog); err != nil {
		return 0, fmt.Errorf("failed to count unpublished events: %w", err)
	}
	drainBacklog.Set(float64(backlog))

	rows, err := d.Pool.Query(ctx, `
		SELECT event_id, imei_norm, change, created_at
		FROM whitelist_events
		WHERE published_at IS NULL
		ORDER BY event_id
		LIMIT $1`, d.batch())
	if err != nil {
		return 0, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	var events []event
	for rows.Next() {
		var ev event
		if err := rows.Scan(&ev.EventID, &ev.IMEINorm, &ev.Change, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return published, err
		}
		if err := d.Broker.Publish(ctx, ev.IMEINorm, payload); err != nil {
			publishErrs.Inc()
			return published, err
		}
		if _, err := d.Pool.Exec(ctx,
			`UPDATE whitelist_events SET published_at = now() WHERE event_id = $1`, ev.EventID); err != nil {
			return published, fmt.Errorf("failed to mark event %d published: %w", ev.EventID, err)
		}
		eventsPublished.WithLabelValues(ev.Change).Inc()
		published++
	}
	return published, nil
}

// Distribute runs until the context is cancelled: it listens on the change
// channel and drains the backlog on every notification, with a periodic
// drain as a safety net for notifications lost across reconnects.
func (d *Distributor) Distribute(ctx context.Context) error {
	if err := d.Broker.EnsureTopic(ctx, 1, 1); err != nil {
		return err
	}
	if n, err := d.Process(ctx); err != nil {
		return err
	} else if n > 0 {
		d.Log.Info("drained whitelist backlog", "events", n)
	}

	for {
		err := d.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.Log.Error("listen loop failed, reconnecting", "error", err)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Distributor) listen(ctx context.Context) error {
	poolConn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", changeChannel, err)
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			notifications.Inc()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// periodic drain below
		default:
			return err
		}

		if n, err := d.Process(ctx); err != nil {
			d.Log.Error("failed to publish whitelist events", "error", err)
		} else if n > 0 {
			d.Log.Info("published whitelist events", "events", n)
		}
	}
}
