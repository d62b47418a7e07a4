package protocol

// NoOpHandler implements MessageHandler with no-op methods.
type NoOpHandler struct{}

func (NoOpHandler) HandleBatchClosed(*Envelope, *BatchClosed)         {}
func (NoOpHandler) HandleBatchReassigned(*Envelope, *BatchReassigned) {}

var _ MessageHandler = NoOpHandler{}
