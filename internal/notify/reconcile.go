package notify

import "github.com/nhle/courier/internal/model"

// Reconciler decides how a pushed patch combines with a record the store
// already holds.
type Reconciler interface {
	Merge(existing model.Notification, patch model.NotificationPatch) model.Notification
}

// LastWriteWins overwrites every field present in the patch and keeps the
// rest. Whichever of a push or a local mutation is applied last wins.
type LastWriteWins struct{}

func (LastWriteWins) Merge(existing model.Notification, patch model.NotificationPatch) model.Notification {
	return patch.ApplyTo(existing)
}
