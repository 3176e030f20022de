package zotsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessSyncJobs claims one batch of due jobs and runs them to an outcome.
// The claim is atomic at the backend, so concurrent invocations never run
// the same job twice. A panic inside one job is contained and counted as
// that job's failure.
func (s *Store) ProcessSyncJobs(ctx context.Context) (*DispatchReport, error) {
	if s.executor == nil {
		return nil, fmt.Errorf("%w: no executor configured", ErrInvalidInput)
	}
	now := s.clock()
	claimed, err := s.backend.ClaimDueJobs(ctx, now, s.dispatchBatch)
	if err != nil {
		return nil, err
	}
	report := &DispatchReport{Claimed: len(claimed)}
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.runJob(ctx, job, report)
	}
	return report, nil
}

func (s *Store) runJob(ctx context.Context, job *SyncJob, report *DispatchReport) {
	now := s.clock()
	log := s.logger.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"connection_id": job.ConnectionID,
		"job_type":      job.JobType,
		"attempt":       job.RetryCount + 1,
	})

	if !s.breaker.Allow(job.ConnectionID, now) {
		s.deferJob(ctx, job, report, log)
		return
	}

	conn, err := s.backend.GetConnection(ctx, job.ConnectionID)
	if err != nil {
		s.failAttempt(ctx, job, fmt.Errorf("load connection: %w", err), report, log)
		return
	}

	result, execErr := s.executeWithRecovery(ctx, job, conn)

	// Cancellation between items: the flag wins over the run's outcome.
	current, err := s.backend.GetJob(ctx, job.ID)
	if err == nil && current.Status == JobStatusCancelled {
		report.Cancelled++
		log.Info("sync job cancelled during execution")
		return
	}

	if execErr != nil {
		s.breaker.RecordFailure(job.ConnectionID, s.clock())
		s.failAttempt(ctx, job, execErr, report, log)
		return
	}
	s.breaker.RecordSuccess(job.ConnectionID)

	done := s.clock()
	job.Status = JobStatusCompleted
	job.CompletedAt = &done
	job.NextRetryAt = nil
	job.ErrorMessage = ""
	job.UpdatedAt = done
	if result != nil {
		job.ItemsProcessed = result.Processed
		job.ItemsAdded = result.Added
		job.ItemsUpdated = result.Updated
		job.ItemsDeleted = result.Deleted
	}
	if err := s.backend.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to persist completed job")
		return
	}
	report.Completed++
	log.WithFields(logrus.Fields{
		"items_processed": job.ItemsProcessed,
		"items_added":     job.ItemsAdded,
		"items_updated":   job.ItemsUpdated,
		"items_deleted":   job.ItemsDeleted,
	}).Info("sync job completed")
	s.publish("job.completed", job)
}

func (s *Store) executeWithRecovery(ctx context.Context, job *SyncJob, conn *Connection) (result *ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job panicked: %v", r)
		}
	}()
	return s.executor.Execute(ctx, job, conn)
}

// deferJob returns a claimed job to the queue with its schedule pushed past
// the breaker cooldown. Deferral does not consume retry budget.
func (s *Store) deferJob(ctx context.Context, job *SyncJob, report *DispatchReport, log *logrus.Entry) {
	retryAt := s.breaker.RetryAt(job.ConnectionID)
	now := s.clock()
	if retryAt.Before(now) {
		retryAt = now.Add(s.retryBase)
	}
	job.Status = JobStatusQueued
	job.StartedAt = nil
	job.NextRetryAt = nil
	job.ScheduledAt = retryAt
	job.UpdatedAt = now
	if err := s.backend.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to defer job")
		return
	}
	report.Deferred++
	log.WithField("retry_at", retryAt).Warn("circuit breaker open, job deferred")
	s.publish("job.deferred", job)
}

// failAttempt records one failed attempt: the job either re-enters the queue
// as retrying with exponential backoff, or exhausts its budget and fails.
func (s *Store) failAttempt(ctx context.Context, job *SyncJob, execErr error, report *DispatchReport, log *logrus.Entry) {
	now := s.clock()
	retryable := job.RetryCount < job.MaxRetries && !errors.Is(execErr, ErrInvalidInput)

	var delay time.Duration
	if retryable {
		delay = s.retryDelay(job.RetryCount)
	}
	job.ErrorDetails = append(job.ErrorDetails, JobError{
		Error:      execErr.Error(),
		Timestamp:  now,
		RetryDelay: int64(delay / time.Second),
	})
	job.ErrorMessage = execErr.Error()
	job.UpdatedAt = now

	if retryable {
		job.RetryCount++
		job.Status = JobStatusRetrying
		nextRetry := now.Add(delay)
		job.NextRetryAt = &nextRetry
		job.StartedAt = nil
		if err := s.backend.UpdateJob(ctx, job); err != nil {
			log.WithError(err).Error("failed to persist retrying job")
			return
		}
		report.Retried++
		log.WithError(execErr).WithFields(logrus.Fields{
			"retry_count": job.RetryCount,
			"delay":       delay,
		}).Warn("sync job failed, will retry")
		s.publish("job.retrying", job)
		return
	}

	job.Status = JobStatusFailed
	job.CompletedAt = &now
	job.NextRetryAt = nil
	if err := s.backend.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to persist failed job")
		return
	}
	report.Failed++
	log.WithError(execErr).WithField("retry_count", job.RetryCount).Error("sync job failed permanently")
	s.publish("job.failed", job)
}

// retryDelay is base * 2^retryCount, capped.
func (s *Store) retryDelay(retryCount int) time.Duration {
	delay := s.retryBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	if delay > s.retryMax {
		return s.retryMax
	}
	return delay
}
