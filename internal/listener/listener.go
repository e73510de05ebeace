package listener

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"experiment-deployer/internal/deploy"
	"experiment-deployer/internal/storage"
)

type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Report, error)
}

// ListenAndDeploy runs every deployment request published on channel with
// NOTIFY. The payload is a JSON deploy.Request. Requests run one at a time,
// in arrival order.
func ListenAndDeploy(ctx context.Context, st *storage.Store, d Deployer, reports *storage.Cache, channel string, baseBackoff time.Duration) {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("acquire conn for listen")
		return
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("listen")
		return
	}
	log.Info().Str("channel", channel).Msg("listening for deployment requests")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		default:
			ntf, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				backoff := jitter(baseBackoff)
				log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
				time.Sleep(backoff)
				continue
			}
			handle(ctx, d, reports, ntf.Payload)
		}
	}
}

func handle(ctx context.Context, d Deployer, reports *storage.Cache, payload string) {
	var req deploy.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		log.Error().Err(err).Str("payload", payload).Msg("bad deployment request")
		return
	}
	report, err := d.Deploy(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("site", req.SiteCode).Msg("deployment request rejected")
		return
	}
	reports.Add(report)
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
