package notify

import (
	"context"

	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes events to the log. It is used when no Redis is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e service.Event) error {
	n.logger.WithFields(logrus.Fields{
		"kind":      e.Kind,
		"instance":  e.InstanceID,
		"task":      e.TaskID,
		"stage":     e.Stage,
		"recipient": e.Recipient,
		"status":    e.Status,
		"action":    e.Action,
	}).Info("notification")
	return nil
}

func (n *LogNotifier) BlockContent(_ context.Context, contentID, reason string) error {
	n.logger.WithFields(logrus.Fields{
		"content": contentID,
		"reason":  reason,
	}).Warn("content blocked")
	return nil
}
