package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wa-saas/shared/models"
)

type scheduledJob struct {
	entryID   cron.EntryID
	spec      string
	updatedAt time.Time
}

// Scheduler keeps one cron entry per active scheduled event and re-reads
// the events table on every Sync.
type Scheduler struct {
	cron *cron.Cron
	fire func(eventID uint)

	mu   sync.Mutex
	jobs map[uint]scheduledJob
}

func NewScheduler(fire func(eventID uint)) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		fire: fire,
		jobs: map[uint]scheduledJob{},
	}
}

// Sync reconciles cron entries with the current scheduled events.
func (s *Scheduler) Sync(ctx context.Context) error {
	var list []models.Event
	err := db.WithContext(ctx).
		Where("trigger_type = ? AND is_active = ?", models.TriggerScheduled, true).
		Find(&list).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[uint]bool{}
	for _, e := range list {
		spec, _ := e.Conditions["schedule"].(string)
		if spec == "" {
			continue
		}
		seen[e.ID] = true
		if job, ok := s.jobs[e.ID]; ok {
			if job.spec == spec && job.updatedAt.Equal(e.UpdatedAt) {
				continue
			}
			s.cron.Remove(job.entryID)
			delete(s.jobs, e.ID)
		}

		eventID := e.ID
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(eventID) })
		if err != nil {
			logger.Warn("invalid event schedule", zap.Uint("event_id", e.ID), zap.String("schedule", spec), zap.Error(err))
			continue
		}
		s.jobs[e.ID] = scheduledJob{entryID: entryID, spec: spec, updatedAt: e.UpdatedAt}
	}

	for id, job := range s.jobs {
		if !seen[id] {
			s.cron.Remove(job.entryID)
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run starts the cron runner and resyncs every refresh until ctx is done.
func (s *Scheduler) Run(ctx context.Context, refresh time.Duration) {
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	if err := s.Sync(ctx); err != nil {
		logger.Error("scheduler sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				logger.Error("scheduler sync failed", zap.Error(err))
			}
		}
	}
}

// runScheduledEvent sends the message configured in a scheduled event's
// conditions (to_number, variables).
func runScheduledEvent(eventID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var e models.Event
	if err := db.WithContext(ctx).Where("id = ? AND is_active = ?", eventID, true).First(&e).Error; err != nil {
		logger.Warn("scheduled event unavailable", zap.Uint("event_id", eventID), zap.Error(err))
		return
	}
	to, _ := e.Conditions["to_number"].(string)
	if to == "" {
		logger.Warn("scheduled event has no to_number", zap.Uint("event_id", eventID))
		return
	}
	vars, _ := e.Conditions["variables"].(map[string]interface{})

	t, err := findTemplate(e.UserID, e.TemplateID)
	if err != nil {
		logger.Warn("scheduled event template unavailable", zap.Uint("event_id", eventID), zap.Error(err))
		return
	}

	d, err := deliver(ctx, deliveryRequest{
		UserID:     e.UserID,
		Template:   t,
		EventID:    &e.ID,
		WebhookURL: e.WebhookURL,
		ToNumber:   to,
		Variables:  vars,
	})
	switch {
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNoWhatsAppAccount), errors.Is(err, ErrInvalidNumber):
		logger.Warn("scheduled send skipped", zap.Uint("event_id", eventID), zap.Error(err))
	case err != nil:
		logger.Error("scheduled send failed", zap.Uint("event_id", eventID), zap.Error(err))
	case d.SendErr != nil:
		logger.Warn("scheduled send rejected", zap.Uint("event_id", eventID), zap.Error(d.SendErr))
	default:
		logger.Info("scheduled event sent", zap.Uint("event_id", eventID), zap.Uint("message_log_id", d.Log.ID))
	}
}
