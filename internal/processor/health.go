package processor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

type Health struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  map[string]bool `json:"services"`
}

// HealthCheck probes the queue, object store and callback API concurrently.
// A dependency being down degrades the service; it is never reported as
// unhealthy.
func (p *Processor) HealthCheck(ctx context.Context) Health {
	var sqsOK, s3OK, apiOK bool
	var wg conc.WaitGroup
	wg.Go(func() { sqsOK = p.deps.Queue.HealthCheck(ctx) })
	wg.Go(func() { s3OK = p.deps.Uploader.HealthCheck(ctx) })
	wg.Go(func() { apiOK = p.deps.Reporter.HealthCheck(ctx) })
	wg.Wait()

	h := Health{
		Status:    HealthHealthy,
		Timestamp: time.Now().UTC(),
		Services:  map[string]bool{"sqs": sqsOK, "s3": s3OK, "api_client": apiOK},
	}
	if !sqsOK || !s3OK || !apiOK {
		h.Status = HealthDegraded
	}
	return h
}
