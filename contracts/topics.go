package contracts

// Sub-topic suffixes appended to a channel identifier
const (
	ProgressSuffix  = ":progress"
	FinishedSuffix  = ":finished"
	CancelledSuffix = ":cancelled"
	CancelSuffix    = ":cancel"
	ImmediateSuffix = ":immediate"
)

// InvokeTopic carries InvokeRequests from callers to command hosts
const InvokeTopic = "asyncop.invoke"

// ProgressTopic returns the topic progress payloads are published on
func ProgressTopic(channel string) string {
	return channel + ProgressSuffix
}

// FinishedTopic returns the topic the terminal Finished event is published on
func FinishedTopic(channel string) string {
	return channel + FinishedSuffix
}

// CancelledTopic returns the topic of the alternate cancellation signal
func CancelledTopic(channel string) string {
	return channel + CancelledSuffix
}

// CancelTopic returns the topic cancellation requests are published on
func CancelTopic(channel string) string {
	return channel + CancelSuffix
}

// ImmediateTopic returns the topic a command host answers an InvokeRequest on
func ImmediateTopic(channel string) string {
	return channel + ImmediateSuffix
}
