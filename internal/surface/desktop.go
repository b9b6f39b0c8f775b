package surface

import (
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

// Permission is the user's answer to showing desktop notifications.
type Permission string

const (
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionDefault     Permission = "default"
	PermissionUnsupported Permission = "unsupported"
)

// DesktopNotifier shows OS level notifications.
type DesktopNotifier interface {
	Permission() Permission
	Show(title, body, route string) error
}

// Desktop forwards notifications to a DesktopNotifier when permitted. Failures
// are logged and never reach the caller.
type Desktop struct {
	notifier DesktopNotifier
	logger   *zap.Logger
}

func NewDesktop(notifier DesktopNotifier, logger *zap.Logger) *Desktop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Desktop{notifier: notifier, logger: logger}
}

func (d *Desktop) Permission() Permission {
	if d == nil || d.notifier == nil {
		return PermissionUnsupported
	}
	return d.notifier.Permission()
}

// Notify reports whether n was shown.
func (d *Desktop) Notify(n models.Notification) bool {
	if d.Permission() != PermissionGranted {
		return false
	}
	if err := d.notifier.Show(n.Title, n.Body, RouteFor(n)); err != nil {
		d.logger.Warn("[DESKTOP] Notification failed", zap.String("id", n.ID), zap.Error(err))
		return false
	}
	return true
}
