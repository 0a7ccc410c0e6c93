package license

type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionRegistered
	DecisionDeviceLimitReached
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionRegistered:
		return "registered"
	case DecisionDeviceLimitReached:
		return "device_limit_reached"
	default:
		return "unknown"
	}
}

// Authorize decides whether uuid may use sub. On DecisionRegistered the
// returned set is the bound list with uuid appended and must be persisted
// by the caller under the same lock the decision was taken in. In every
// other case the returned set is sub.BoundDevices unchanged.
func Authorize(sub Subscription, uuid string) (Decision, DeviceSet) {
	if uuid == "" || sub.BoundDevices.Contains(uuid) {
		return DecisionAllowed, sub.BoundDevices
	}
	limit := sub.MaxDevices
	if limit < 1 {
		limit = DefaultMaxDevices
	}
	if sub.BoundDevices.Len() >= limit {
		return DecisionDeviceLimitReached, sub.BoundDevices
	}
	return DecisionRegistered, sub.BoundDevices.With(uuid)
}
