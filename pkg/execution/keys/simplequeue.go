package keys

// SimpleQueueKeyGenerator produces keys for a named simple durable queue.
type SimpleQueueKeyGenerator interface {
	Prefix() string
	Queue() string
	Items() string
	DeadLetter() string
	DeadLetterItems() string
}

func NewSimpleQueueKeyGenerator(name string) SimpleQueueKeyGenerator {
	return simpleQueueKeys{prefix: hashTag("simplequeue:"+name, "simplequeue")}
}

type simpleQueueKeys struct {
	prefix string
}

func (k simpleQueueKeys) Prefix() string          { return k.prefix }
func (k simpleQueueKeys) Queue() string           { return k.prefix + ":queue" }
func (k simpleQueueKeys) Items() string           { return k.prefix + ":items" }
func (k simpleQueueKeys) DeadLetter() string      { return k.prefix + ":dlq" }
func (k simpleQueueKeys) DeadLetterItems() string { return k.prefix + ":dlq:items" }
