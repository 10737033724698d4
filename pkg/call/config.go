package call

import "time"

// Configuration of the call sessions.
type Config struct {
	// How long the initiator waits for the callee to announce itself before it sends the
	// offer anyway (in milliseconds). A negative value disables the delay: the offer is then
	// only sent once the callee is ready.
	SettleDelay int `yaml:"settleDelay"`
	// For how long a status update of the session record is retried (in milliseconds).
	StoreRetryTimeout int `yaml:"storeRetryTimeout"`
}

const (
	defaultSettleDelay       = time.Second
	defaultStoreRetryTimeout = 10 * time.Second
)

// Returns the settle delay and whether it is enabled at all.
func (c Config) settleDelay() (time.Duration, bool) {
	switch {
	case c.SettleDelay < 0:
		return 0, false
	case c.SettleDelay == 0:
		return defaultSettleDelay, true
	default:
		return time.Duration(c.SettleDelay) * time.Millisecond, true
	}
}

func (c Config) storeRetryTimeout() time.Duration {
	if c.StoreRetryTimeout <= 0 {
		return defaultStoreRetryTimeout
	}

	return time.Duration(c.StoreRetryTimeout) * time.Millisecond
}
