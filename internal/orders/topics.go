package orders

const (
	TopicOrderPlaced    = "order.placed"
	TopicOrderStatus    = "order.status"
	TopicPaymentSettled = "payment.settled"
)

// Partition key = order id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
