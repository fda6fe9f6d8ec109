package queue

import (
	"context"
	"time"
)

// Notification payload shapes. The Type field discriminates which content
// block is populated.
type NotificationType string

const (
	NotificationMessage  NotificationType = "message"
	NotificationPhoto    NotificationType = "photo"
	NotificationCallback NotificationType = "callback"
	NotificationBatch    NotificationType = "batch"
)

type (
	// NotificationPayload is the job payload of the notifications queue.
	NotificationPayload struct {
		Type             NotificationType `json:"type"`
		TargetTelegramID string           `json:"target_telegram_id,omitempty"`
		Message          *MessageContent  `json:"message,omitempty"`
		Photo            *PhotoContent    `json:"photo,omitempty"`
		Callback         *CallbackContent `json:"callback,omitempty"`
		Batch            []BatchMessage   `json:"batch,omitempty"`
	}

	MessageContent struct {
		Text string `json:"text"`
	}

	PhotoContent struct {
		PhotoURL string `json:"photo_url"`
		Caption  string `json:"caption,omitempty"`
	}

	CallbackContent struct {
		Text     string         `json:"text"`
		Keyboard []InlineButton `json:"keyboard,omitempty"`
	}

	InlineButton struct {
		Text         string `json:"text"`
		CallbackData string `json:"callback_data"`
	}

	BatchMessage struct {
		TargetTelegramID string `json:"target_telegram_id"`
		Text             string `json:"text"`
	}

	// AnalyticsPayload is the job payload of the analytics queue.
	// OccurredAt is fixed at enqueue time, not processing time, so analytics
	// timestamps stay accurate regardless of queue delay.
	AnalyticsPayload struct {
		Action     string         `json:"action"`
		ActorID    string         `json:"actor_id"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		OccurredAt time.Time      `json:"occurred_at"`
		Immediate  bool           `json:"immediate,omitempty"`
	}

	// AITaskPayload is the job payload of the AI tasks queue. EntityRef is
	// nil for tasks without a subject entity.
	AITaskPayload struct {
		TaskType  string         `json:"task_type"`
		EntityRef *string        `json:"entity_ref"`
		Context   map[string]any `json:"context,omitempty"`
	}

	// LifecyclePayload is the job payload of the ad-lifecycle queue.
	LifecyclePayload struct {
		Action string         `json:"action"`
		AdID   *string        `json:"ad_id"`
		Data   map[string]any `json:"data,omitempty"`
	}

	// SearchAlertPayload is the job payload of the search-alerts queue.
	SearchAlertPayload struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data,omitempty"`
	}
)

// AI task types dispatched to the AI worker.
const (
	AITaskRecommendations   = "recommendations"
	AITaskPriceAnalysis     = "price-analysis"
	AITaskSellerTwinUpdate  = "seller-twin-update"
	AITaskContentGeneration = "content-generation"
	AITaskAdModeration      = "ad-moderation"
	AITaskUserActivity      = "user-activity"
)

// Lifecycle actions dispatched to the lifecycle worker.
const (
	LifecycleExpirationCheck = "expiration-check"
	LifecycleExpire          = "expire"
	LifecycleRepublish       = "republish"
	LifecycleSellerReminder  = "seller-reminder"
	LifecycleCleanup         = "cleanup"
)

// Search-alert job kinds dispatched to the search-alert worker.
const (
	AlertNewAdCheck     = "new-ad-check"
	AlertUserAlertMatch = "user-alert-match"
	AlertBulkScan       = "bulk-scan"
	AlertCleanup        = "cleanup"
)

// EventProducer is the sole API application code should call to emit domain
// events. Every method is a thin, named translation to a Manager call, so
// call sites never reference queue names, job-name strings, or priority
// constants directly.
//
// Failure semantics: no method returns an error for "queue unavailable".
// Each resolves to the Manager's DispatchResult, including the fallback case.
type EventProducer struct {
	manager *Manager
}

// NewEventProducer creates the producer facade over a Manager.
func NewEventProducer(manager *Manager) (*EventProducer, error) {
	if manager == nil {
		return nil, ErrStorageNil
	}
	return &EventProducer{manager: manager}, nil
}

// Available reports whether queuing is configured, letting callers decide
// between "queued" UI state and their own synchronous path.
func (p *EventProducer) Available() bool {
	return p.manager.Available()
}

// SendNotification queues a plain text message to a user. HIGH priority by
// default; pass Urgent() to raise it.
func (p *EventProducer) SendNotification(ctx context.Context, target, text string, opts ...JobOption) DispatchResult {
	return p.manager.AddNotification(ctx, JobSendMessage, NotificationPayload{
		Type:             NotificationMessage,
		TargetTelegramID: target,
		Message:          &MessageContent{Text: text},
	}, opts...)
}

// SendPhotoNotification queues a photo message to a user.
func (p *EventProducer) SendPhotoNotification(ctx context.Context, target, photoURL, caption string, opts ...JobOption) DispatchResult {
	return p.manager.AddNotification(ctx, JobSendPhoto, NotificationPayload{
		Type:             NotificationPhoto,
		TargetTelegramID: target,
		Photo:            &PhotoContent{PhotoURL: photoURL, Caption: caption},
	}, opts...)
}

// SendInteractiveNotification queues a message with an inline keyboard.
func (p *EventProducer) SendInteractiveNotification(ctx context.Context, target, text string, keyboard []InlineButton, opts ...JobOption) DispatchResult {
	return p.manager.AddNotification(ctx, JobSendCallback, NotificationPayload{
		Type:             NotificationCallback,
		TargetTelegramID: target,
		Callback:         &CallbackContent{Text: text, Keyboard: keyboard},
	}, opts...)
}

// SendBatchNotifications queues a batch of messages. Batches default to
// NORMAL priority since they are not time-critical per message.
func (p *EventProducer) SendBatchNotifications(ctx context.Context, messages []BatchMessage, opts ...JobOption) DispatchResult {
	opts = append([]JobOption{WithPriority(PriorityNormal)}, opts...)
	return p.manager.AddNotification(ctx, JobSendBatch, NotificationPayload{
		Type:  NotificationBatch,
		Batch: messages,
	}, opts...)
}

// TrackEvent queues an analytics event at LOW priority. The event timestamp
// is fixed here, at enqueue.
func (p *EventProducer) TrackEvent(ctx context.Context, action, actorID string, metadata map[string]any) DispatchResult {
	return p.manager.AddAnalyticsEvent(ctx, JobTrackEvent, AnalyticsPayload{
		Action:     action,
		ActorID:    actorID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	})
}

// TrackEventImmediate queues an analytics event flagged to bypass consumer
// batching.
func (p *EventProducer) TrackEventImmediate(ctx context.Context, action, actorID string, metadata map[string]any) DispatchResult {
	return p.manager.AddAnalyticsEvent(ctx, JobTrackEvent, AnalyticsPayload{
		Action:     action,
		ActorID:    actorID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
		Immediate:  true,
	})
}

// RequestRecommendations queues a recommendations task for a user.
func (p *EventProducer) RequestRecommendations(ctx context.Context, userID string, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskRecommendations, &userID, taskContext)
}

// RequestPriceAnalysis queues a price-analysis task for an ad.
func (p *EventProducer) RequestPriceAnalysis(ctx context.Context, adID string, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskPriceAnalysis, &adID, taskContext)
}

// RequestSellerTwinUpdate queues a seller-twin refresh for a seller.
func (p *EventProducer) RequestSellerTwinUpdate(ctx context.Context, sellerID string, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskSellerTwinUpdate, &sellerID, taskContext)
}

// RequestContentGeneration queues a content-generation task. EntityRef is
// nil: generation requests are not bound to one entity.
func (p *EventProducer) RequestContentGeneration(ctx context.Context, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskContentGeneration, nil, taskContext)
}

// RequestAdModeration queues a moderation task for an ad.
func (p *EventProducer) RequestAdModeration(ctx context.Context, adID string, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskAdModeration, &adID, taskContext)
}

// TrackUserActivity queues a user-activity learning task at LOW priority:
// it feeds background learning, not user-facing latency.
func (p *EventProducer) TrackUserActivity(ctx context.Context, userID string, taskContext map[string]any) DispatchResult {
	return p.aiTask(ctx, AITaskUserActivity, &userID, taskContext, WithPriority(PriorityLow))
}

// ScheduleExpirationCheck queues an expiration check for an ad to run at
// checkAt. A past checkAt runs immediately: the delay clamps to zero.
func (p *EventProducer) ScheduleExpirationCheck(ctx context.Context, adID string, checkAt time.Time) DispatchResult {
	delay := time.Until(checkAt)
	if delay < 0 {
		delay = 0
	}
	return p.manager.ScheduleJob(ctx, QueueLifecycle, JobExpirationCheck, LifecyclePayload{
		Action: LifecycleExpirationCheck,
		AdID:   &adID,
	}, delay)
}

// ExpireAd queues an immediate expiration transition for an ad.
func (p *EventProducer) ExpireAd(ctx context.Context, adID string) DispatchResult {
	return p.manager.AddLifecycleTask(ctx, JobExpireAd, LifecyclePayload{
		Action: LifecycleExpire,
		AdID:   &adID,
	})
}

// RepublishAd queues a republish transition for an ad.
func (p *EventProducer) RepublishAd(ctx context.Context, adID string) DispatchResult {
	return p.manager.AddLifecycleTask(ctx, JobRepublishAd, LifecyclePayload{
		Action: LifecycleRepublish,
		AdID:   &adID,
	})
}

// SendSellerReminder queues a reminder to the seller of an ad.
func (p *EventProducer) SendSellerReminder(ctx context.Context, adID string, data map[string]any) DispatchResult {
	return p.manager.AddLifecycleTask(ctx, JobSellerReminder, LifecyclePayload{
		Action: LifecycleSellerReminder,
		AdID:   &adID,
		Data:   data,
	})
}

// ScheduleCleanup queues a LOW priority cleanup of expired ads older than
// the given age.
func (p *EventProducer) ScheduleCleanup(ctx context.Context, olderThanDays int) DispatchResult {
	return p.manager.AddLifecycleTask(ctx, JobCleanupExpired, LifecyclePayload{
		Action: LifecycleCleanup,
		AdID:   nil,
		Data:   map[string]any{"older_than_days": olderThanDays},
	}, WithPriority(PriorityLow))
}

// CheckNewAdForAlerts queues matching of a newly published ad against saved
// search alerts, at the queue's HIGH default.
func (p *EventProducer) CheckNewAdForAlerts(ctx context.Context, adID string) DispatchResult {
	return p.manager.AddSearchAlert(ctx, JobNewAdCheck, SearchAlertPayload{
		Type: AlertNewAdCheck,
		Data: map[string]any{"ad_id": adID},
	})
}

// NotifyAlertMatch queues a match notification for a user's saved alert.
func (p *EventProducer) NotifyAlertMatch(ctx context.Context, userID, alertID, adID string) DispatchResult {
	return p.manager.AddSearchAlert(ctx, JobUserAlertMatch, SearchAlertPayload{
		Type: AlertUserAlertMatch,
		Data: map[string]any{"user_id": userID, "alert_id": alertID, "ad_id": adID},
	})
}

// ScanAllAlerts queues a LOW priority bulk scan of all saved alerts.
func (p *EventProducer) ScanAllAlerts(ctx context.Context) DispatchResult {
	return p.manager.AddSearchAlert(ctx, JobBulkScan, SearchAlertPayload{
		Type: AlertBulkScan,
	}, WithPriority(PriorityLow))
}

// CleanupOldAlerts queues a LOW priority cleanup of stale alerts.
func (p *EventProducer) CleanupOldAlerts(ctx context.Context, olderThanDays int) DispatchResult {
	return p.manager.AddSearchAlert(ctx, JobAlertCleanup, SearchAlertPayload{
		Type: AlertCleanup,
		Data: map[string]any{"older_than_days": olderThanDays},
	}, WithPriority(PriorityLow))
}

func (p *EventProducer) aiTask(ctx context.Context, taskType string, entityRef *string, taskContext map[string]any, opts ...JobOption) DispatchResult {
	return p.manager.AddAITask(ctx, JobAITask, AITaskPayload{
		TaskType:  taskType,
		EntityRef: entityRef,
		Context:   taskContext,
	}, opts...)
}
