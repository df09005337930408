package queue

const (
	defaultRedisPrefix   = "fastpy:queue:"
	defaultDelayedSuffix = ":delayed"
)

// ChannelConfig describes how the redis keys of each queue are named. The
// ready list of queue "emails" lives at Prefix+"emails", and its delayed set
// at Prefix+"emails"+DelayedSuffix.
type ChannelConfig struct {
	Prefix        string
	DelayedSuffix string
}

// Waiting returns the key of the ready list.
func (c ChannelConfig) Waiting(queue string) string {
	return c.prefix() + queueOrDefault(queue)
}

// Delayed returns the key of the delayed sorted set.
func (c ChannelConfig) Delayed(queue string) string {
	suffix := c.DelayedSuffix
	if suffix == "" {
		suffix = defaultDelayedSuffix
	}
	return c.Waiting(queue) + suffix
}

func (c ChannelConfig) prefix() string {
	if c.Prefix == "" {
		return defaultRedisPrefix
	}
	return c.Prefix
}
