package broker

import "context"

// Interface is the subset of *Gateway the Worker depends on.
type Interface interface {
	DeclareAndBind(queue, routingKey string) error
	GetOne(ctx context.Context, queue string) (Delivery, bool, error)
	Depth(queue string) (int, error)
	Ack(tag uint64) error
	AckMultiple(tag uint64) error
	Nack(tag uint64, multiple bool) error
	Close() error
}

var _ Interface = (*Gateway)(nil)
