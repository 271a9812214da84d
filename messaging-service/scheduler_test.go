package main

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-saas/shared/models"
)

func TestSchedulerSync(t *testing.T) {
	env := setupTest(t)
	tpl := env.addTemplate(t, "greet", "Hello")

	valid := models.Event{UserID: env.user.ID, TemplateID: tpl.ID, TriggerType: models.TriggerScheduled, IsActive: true,
		Conditions: map[string]interface{}{"schedule": "*/5 * * * *", "to_number": "15551234567"}}
	broken := models.Event{UserID: env.user.ID, TemplateID: tpl.ID, TriggerType: models.TriggerScheduled, IsActive: true,
		Conditions: map[string]interface{}{"schedule": "every tuesday"}}
	manual := models.Event{UserID: env.user.ID, TemplateID: tpl.ID, TriggerType: models.TriggerManual, IsActive: true}
	for _, e := range []*models.Event{&valid, &broken, &manual} {
		require.NoError(t, db.Create(e).Error)
	}

	s := NewScheduler(func(uint) {})
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 1, s.Len())

	valid.IsActive = false
	require.NoError(t, db.Save(&valid).Error)
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestRunScheduledEvent(t *testing.T) {
	env := setupTest(t)
	env.addAccount(t)
	tpl := env.addTemplate(t, "reminder", "Hi {{name}}")
	evt := models.Event{UserID: env.user.ID, TemplateID: tpl.ID, TriggerType: models.TriggerScheduled, IsActive: true,
		Conditions: map[string]interface{}{
			"schedule":  "0 9 * * *",
			"to_number": "15551234567",
			"variables": map[string]interface{}{"name": "Ada"},
		}}
	require.NoError(t, db.Create(&evt).Error)

	runScheduledEvent(evt.ID)

	var entry models.MessageLog
	require.NoError(t, db.Where("event_id = ?", evt.ID).First(&entry).Error)
	assert.Equal(t, models.MessageSent, entry.Status)
}

func TestRunScheduledEventSkipsNumberWithoutDigits(t *testing.T) {
	env := setupTest(t)
	env.addAccount(t)
	tpl := env.addTemplate(t, "reminder", "Hi")
	evt := models.Event{UserID: env.user.ID, TemplateID: tpl.ID, TriggerType: models.TriggerScheduled, IsActive: true,
		Conditions: map[string]interface{}{"schedule": "0 9 * * *", "to_number": "call me"}}
	require.NoError(t, db.Create(&evt).Error)

	runScheduledEvent(evt.ID)

	var n int64
	require.NoError(t, db.Model(&models.MessageLog{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(0), atomic.LoadInt64(env.sent))
}
