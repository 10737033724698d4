package call

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/worker"
	"github.com/sirupsen/logrus"
)

type statusUpdate struct {
	status store.Status
	at     time.Time
}

// Writes the status of the session record off the main loop. A failed write is retried with
// an exponential backoff, except for the updates the store refuses for good.
type storeWorker struct {
	worker *worker.Worker[statusUpdate]
	logger *logrus.Entry
}

func newStoreWorker(records store.Store, roomID string, retryTimeout time.Duration, logger *logrus.Entry) *storeWorker {
	workerConfig := worker.Config[statusUpdate]{
		ChannelSize: 16,
		OnTask: func(update statusUpdate) {
			ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
			defer cancel()

			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 100 * time.Millisecond
			policy.MaxElapsedTime = retryTimeout

			operation := func() error {
				err := records.UpdateStatus(ctx, roomID, update.status, update.at)
				switch {
				case err == nil:
					return nil
				case errors.Is(err, store.ErrRecordTerminal),
					errors.Is(err, store.ErrStatusRegression),
					errors.Is(err, store.ErrNotFound),
					errors.Is(err, store.ErrStoreClosed):
					return backoff.Permanent(err)
				default:
					logger.WithError(err).Warn("failed to update the call record, retrying")
					return err
				}
			}

			err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
			switch {
			case err == nil:
				logger.WithField("status", update.status).Debug("call record updated")
			case errors.Is(err, store.ErrRecordTerminal):
				logger.WithField("status", update.status).Debug("call record is already terminal")
			default:
				logger.WithError(err).WithField("status", update.status).Error("failed to update the call record")
			}
		},
	}

	return &storeWorker{
		worker: worker.StartWorker(workerConfig),
		logger: logger,
	}
}

func (w *storeWorker) persist(status store.Status) {
	if err := w.worker.Send(statusUpdate{status: status, at: time.Now()}); err != nil {
		w.logger.WithError(err).WithField("status", status).Error("dropping call record update")
	}
}

// Stops accepting updates; the queued ones are still written. The returned channel is
// closed once the last one is done.
func (w *storeWorker) stop() <-chan struct{} {
	w.worker.Stop()
	return w.worker.Done()
}
